package protocol

import "crypto/ed25519"

// ClientToRelay is the tagged union of messages a client sends to the
// relay (spec §6): Register, GetUser, Ack, Bye. Only one of the
// pointer fields is non-nil at a time, selected by Kind — the same
// "kind tag, then one variant's fields" shape a Rust enum compiles to
// under postcard (see original_source/libchatty/src/messaging.rs),
// rendered explicitly since Go has no native sum type.
type ClientToRelay struct {
	Kind     ClientToRelayKind
	Register *Register
	GetUser  *GetUser
	Ack      *Ack
	Bye      *Bye
}

type ClientToRelayKind byte

const (
	KindRegister ClientToRelayKind = iota + 1
	KindGetUser
	KindAck
	KindBye
)

// Register asks the relay to bind the caller's identity to its current
// endpoint (spec §4.8 step 3-4).
type Register struct {
	IdentityKey ed25519.PublicKey
}

// GetUser asks the relay for the current endpoint of target.
type GetUser struct {
	IdentityKey ed25519.PublicKey
}

// Ack is an empty acknowledgement, sent by either side.
type Ack struct{}

// Bye signals a clean shutdown of the session.
type Bye struct{}

func NewRegister(key ed25519.PublicKey) ClientToRelay {
	return ClientToRelay{Kind: KindRegister, Register: &Register{IdentityKey: key}}
}

func NewGetUser(key ed25519.PublicKey) ClientToRelay {
	return ClientToRelay{Kind: KindGetUser, GetUser: &GetUser{IdentityKey: key}}
}

func NewClientAck() ClientToRelay { return ClientToRelay{Kind: KindAck, Ack: &Ack{}} }
func NewClientBye() ClientToRelay { return ClientToRelay{Kind: KindBye, Bye: &Bye{}} }

// MarshalBinary encodes the message as [1B kind][variant body].
func (m *ClientToRelay) MarshalBinary() ([]byte, error) {
	switch m.Kind {
	case KindRegister:
		return append([]byte{byte(KindRegister)}, m.Register.IdentityKey...), nil
	case KindGetUser:
		return append([]byte{byte(KindGetUser)}, m.GetUser.IdentityKey...), nil
	case KindAck:
		return []byte{byte(KindAck)}, nil
	case KindBye:
		return []byte{byte(KindBye)}, nil
	default:
		return nil, ErrUnknownMessage
	}
}

// UnmarshalBinary decodes a ClientToRelay message.
func (m *ClientToRelay) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortBuffer
	}
	kind := ClientToRelayKind(b[0])
	body := b[1:]

	switch kind {
	case KindRegister:
		key, err := decodeIdentityKey(body)
		if err != nil {
			return err
		}
		*m = ClientToRelay{Kind: KindRegister, Register: &Register{IdentityKey: key}}
	case KindGetUser:
		key, err := decodeIdentityKey(body)
		if err != nil {
			return err
		}
		*m = ClientToRelay{Kind: KindGetUser, GetUser: &GetUser{IdentityKey: key}}
	case KindAck:
		if len(body) != 0 {
			return ErrTrailingBytes
		}
		*m = ClientToRelay{Kind: KindAck, Ack: &Ack{}}
	case KindBye:
		if len(body) != 0 {
			return ErrTrailingBytes
		}
		*m = ClientToRelay{Kind: KindBye, Bye: &Bye{}}
	default:
		return ErrUnknownMessage
	}
	return nil
}

func decodeIdentityKey(b []byte) (ed25519.PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, ErrShortBuffer
	}
	return ed25519.PublicKey(append([]byte(nil), b...)), nil
}

// RelayToClient is the tagged union of messages the relay sends to a
// client: UserAddress, AwaitConnection, Ack.
type RelayToClient struct {
	Kind            RelayToClientKind
	UserAddress     *UserAddress
	AwaitConnection *AwaitConnection
	Ack             *Ack
}

type RelayToClientKind byte

const (
	KindUserAddress RelayToClientKind = iota + 1
	KindAwaitConnection
	KindRelayAck
)

// UserAddress answers GetUser. Endpoint is nil for "unknown identity"
// (the Option<endpoint> None case, spec §9's resolved open question).
type UserAddress struct {
	Endpoint *Endpoint
}

// AwaitConnection notifies a registered client that identityKey wants
// to connect, and where to reach it.
type AwaitConnection struct {
	IdentityKey ed25519.PublicKey
	Endpoint    Endpoint
}

func NewUserAddress(ep *Endpoint) RelayToClient {
	return RelayToClient{Kind: KindUserAddress, UserAddress: &UserAddress{Endpoint: ep}}
}

func NewAwaitConnection(key ed25519.PublicKey, ep Endpoint) RelayToClient {
	return RelayToClient{Kind: KindAwaitConnection, AwaitConnection: &AwaitConnection{IdentityKey: key, Endpoint: ep}}
}

func NewRelayAck() RelayToClient { return RelayToClient{Kind: KindRelayAck, Ack: &Ack{}} }

func (m *RelayToClient) MarshalBinary() ([]byte, error) {
	switch m.Kind {
	case KindUserAddress:
		if m.UserAddress.Endpoint == nil {
			return []byte{byte(KindUserAddress), 0}, nil
		}
		epBytes, err := m.UserAddress.Endpoint.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return append([]byte{byte(KindUserAddress), 1}, epBytes...), nil
	case KindAwaitConnection:
		epBytes, err := m.AwaitConnection.Endpoint.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 1+ed25519.PublicKeySize+len(epBytes))
		buf = append(buf, byte(KindAwaitConnection))
		buf = append(buf, m.AwaitConnection.IdentityKey...)
		buf = append(buf, epBytes...)
		return buf, nil
	case KindRelayAck:
		return []byte{byte(KindRelayAck)}, nil
	default:
		return nil, ErrUnknownMessage
	}
}

func (m *RelayToClient) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortBuffer
	}
	kind := RelayToClientKind(b[0])
	body := b[1:]

	switch kind {
	case KindUserAddress:
		if len(body) < 1 {
			return ErrShortBuffer
		}
		present := body[0]
		rest := body[1:]
		switch present {
		case 0:
			if len(rest) != 0 {
				return ErrTrailingBytes
			}
			*m = RelayToClient{Kind: KindUserAddress, UserAddress: &UserAddress{Endpoint: nil}}
		case 1:
			var ep Endpoint
			if err := ep.UnmarshalBinary(rest); err != nil {
				return err
			}
			*m = RelayToClient{Kind: KindUserAddress, UserAddress: &UserAddress{Endpoint: &ep}}
		default:
			return ErrUnknownMessage
		}
	case KindAwaitConnection:
		if len(body) < ed25519.PublicKeySize {
			return ErrShortBuffer
		}
		key := ed25519.PublicKey(append([]byte(nil), body[:ed25519.PublicKeySize]...))
		var ep Endpoint
		if err := ep.UnmarshalBinary(body[ed25519.PublicKeySize:]); err != nil {
			return err
		}
		*m = RelayToClient{Kind: KindAwaitConnection, AwaitConnection: &AwaitConnection{IdentityKey: key, Endpoint: ep}}
	case KindRelayAck:
		if len(body) != 0 {
			return ErrTrailingBytes
		}
		*m = RelayToClient{Kind: KindRelayAck, Ack: &Ack{}}
	default:
		return ErrUnknownMessage
	}
	return nil
}
