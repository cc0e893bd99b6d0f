package noiseops

import (
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/duskline/duskline/internal/identity"
	"github.com/duskline/duskline/internal/wire"
)

var (
	// ErrHandshakeFailed wraps any failure from the Noise state
	// machine itself (bad key, protocol mismatch, truncated message).
	// Per spec §4.5 this is always fatal for the connection.
	ErrHandshakeFailed = errors.New("noiseops: handshake failed")

	// ErrStaticKeyMismatch is returned by the relay's Register handling
	// (internal/relay) when the X25519 static key observed during the
	// handshake does not match the one the client later claims in
	// Register (P4).
	ErrStaticKeyMismatch = errors.New("noiseops: static key mismatch")
)

// Handshaker drives Noise handshakes for one local identity. The same
// Handshaker is reused for both the Client↔Relay (IK) and Peer↔Peer
// (KK) protocols; which pattern runs depends on which method is
// called.
type Handshaker struct {
	credential *identity.Credential
}

// NewHandshaker builds a Handshaker bound to credential's static key.
func NewHandshaker(credential *identity.Credential) *Handshaker {
	return &Handshaker{credential: credential}
}

func (h *Handshaker) staticKeypair() noise.DHKey {
	return noise.DHKey{
		Private: h.credential.X25519PrivateKey(),
		Public:  h.credential.X25519PublicKey(),
	}
}

// protocolName composes the Noise protocol name per spec P3: the
// initiator uses its own role as the first letter and the peer's role
// as the second; a responder computes the same string by swapping
// (peer role first, own role second). Callers pass the two concrete
// roles already resolved to the initiator-first order so both ends
// land on the same string.
func protocolName(initiatorRole, responderRole byte) string {
	return fmt.Sprintf("Noise_%c%c_25519_ChaChaPoly_BLAKE2b", initiatorRole, responderRole)
}

// ClientRelayInitiate runs the Client↔Relay handshake (IK) as the
// client (initiator). relayStatic is the relay's X25519 static public
// key, known in advance from the out-of-band relay descriptor (§6).
func (h *Handshaker) ClientRelayInitiate(rw io.ReadWriter, relayStatic []byte) (*Transport, error) {
	prologue := []byte(protocolName('I', 'K'))

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: h.staticKeypair(),
		PeerStatic:    relayStatic,
		Prologue:      prologue,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init: %w", ErrHandshakeFailed, err)
	}

	// Message 1: -> e, es, s, ss
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: write msg1: %w", ErrHandshakeFailed, err)
	}
	if err := wire.WriteFrame(rw, msg1); err != nil {
		return nil, fmt.Errorf("%w: send msg1: %w", ErrHandshakeFailed, err)
	}

	// Message 2: <- e, ee, se
	msg2, err := wire.ReadFrame(rw)
	if err != nil {
		return nil, fmt.Errorf("%w: recv msg2: %w", ErrHandshakeFailed, err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("%w: read msg2: %w", ErrHandshakeFailed, err)
	}

	// cs1 = initiator->responder (client encrypt), cs2 = responder->initiator (client decrypt)
	return &Transport{enc: cs1, dec: cs2}, nil
}

// ClientRelayAccept runs the Client↔Relay handshake (IK) as the relay
// (responder). It returns the established transport along with the
// X25519 static key the handshake observed for the connecting client,
// which the relay's Register handler compares against the identity key
// the client claims (P4, step 3 of §4.8).
func (h *Handshaker) ClientRelayAccept(rw io.ReadWriter) (transport *Transport, observedStatic []byte, err error) {
	prologue := []byte(protocolName('I', 'K'))

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: h.staticKeypair(),
		Prologue:      prologue,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: init: %w", ErrHandshakeFailed, err)
	}

	// Message 1: <- e, es, s, ss
	msg1, err := wire.ReadFrame(rw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: recv msg1: %w", ErrHandshakeFailed, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, fmt.Errorf("%w: read msg1: %w", ErrHandshakeFailed, err)
	}

	peerStatic := hs.PeerStatic()

	// Message 2: -> e, ee, se
	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: write msg2: %w", ErrHandshakeFailed, err)
	}
	if err := wire.WriteFrame(rw, msg2); err != nil {
		return nil, nil, fmt.Errorf("%w: send msg2: %w", ErrHandshakeFailed, err)
	}

	// cs1 = initiator->responder (relay decrypt), cs2 = responder->initiator (relay encrypt)
	return &Transport{enc: cs2, dec: cs1}, peerStatic, nil
}

// PeerInitiate runs the Peer↔Peer handshake (KK) as the initiator.
// peerStatic is the other peer's X25519 static public key, known from
// a prior out-of-band identity exchange (both sides are K).
func (h *Handshaker) PeerInitiate(rw io.ReadWriter, peerStatic []byte) (*Transport, error) {
	prologue := []byte(protocolName('K', 'K'))

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeKK,
		Initiator:     true,
		StaticKeypair: h.staticKeypair(),
		PeerStatic:    peerStatic,
		Prologue:      prologue,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init: %w", ErrHandshakeFailed, err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: write msg1: %w", ErrHandshakeFailed, err)
	}
	if err := wire.WriteFrame(rw, msg1); err != nil {
		return nil, fmt.Errorf("%w: send msg1: %w", ErrHandshakeFailed, err)
	}

	msg2, err := wire.ReadFrame(rw)
	if err != nil {
		return nil, fmt.Errorf("%w: recv msg2: %w", ErrHandshakeFailed, err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("%w: read msg2: %w", ErrHandshakeFailed, err)
	}

	return &Transport{enc: cs1, dec: cs2}, nil
}

// PeerAccept runs the Peer↔Peer handshake (KK) as the responder.
// peerStatic is the connecting peer's expected X25519 static key,
// established the same way as in PeerInitiate.
func (h *Handshaker) PeerAccept(rw io.ReadWriter, peerStatic []byte) (*Transport, error) {
	prologue := []byte(protocolName('K', 'K'))

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeKK,
		Initiator:     false,
		StaticKeypair: h.staticKeypair(),
		PeerStatic:    peerStatic,
		Prologue:      prologue,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init: %w", ErrHandshakeFailed, err)
	}

	msg1, err := wire.ReadFrame(rw)
	if err != nil {
		return nil, fmt.Errorf("%w: recv msg1: %w", ErrHandshakeFailed, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("%w: read msg1: %w", ErrHandshakeFailed, err)
	}

	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: write msg2: %w", ErrHandshakeFailed, err)
	}
	if err := wire.WriteFrame(rw, msg2); err != nil {
		return nil, fmt.Errorf("%w: send msg2: %w", ErrHandshakeFailed, err)
	}

	return &Transport{enc: cs2, dec: cs1}, nil
}
