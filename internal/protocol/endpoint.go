// Package protocol implements the wire message types of C4's two
// concrete protocols (spec §6): Client↔Relay and Peer↔Peer. Messages
// are hand-rolled binary encodings — no protobuf/IDL, see DESIGN.md —
// following the same "explicit tag, then fields" discipline the
// teacher's handshake payloads use for their own framing.
package protocol

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

var (
	ErrShortBuffer    = errors.New("protocol: buffer too short")
	ErrInvalidIPTag   = errors.New("protocol: invalid IP address tag")
	ErrTrailingBytes  = errors.New("protocol: trailing bytes after message")
	ErrUnknownMessage = errors.New("protocol: unknown message kind")
)

const (
	ipTagV4 byte = 4
	ipTagV6 byte = 6
)

// Endpoint is a network address: an IP (v4 or v6) plus a port. Wire
// encoding is [1B IP tag][4B or 16B address][2B big-endian port], per
// spec §6 ("IP address tag + address bytes + 2-byte port").
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// MarshalBinary encodes the endpoint.
func (e Endpoint) MarshalBinary() ([]byte, error) {
	v4 := e.IP.To4()
	if v4 != nil {
		buf := make([]byte, 1+4+2)
		buf[0] = ipTagV4
		copy(buf[1:5], v4)
		binary.BigEndian.PutUint16(buf[5:7], e.Port)
		return buf, nil
	}
	v6 := e.IP.To16()
	if v6 == nil {
		return nil, ErrInvalidIPTag
	}
	buf := make([]byte, 1+16+2)
	buf[0] = ipTagV6
	copy(buf[1:17], v6)
	binary.BigEndian.PutUint16(buf[17:19], e.Port)
	return buf, nil
}

// unmarshal decodes the endpoint and returns the number of bytes
// consumed, so callers embedding an Endpoint inside a larger message
// can continue parsing the remainder.
func (e *Endpoint) unmarshal(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, ErrShortBuffer
	}
	switch b[0] {
	case ipTagV4:
		if len(b) < 1+4+2 {
			return 0, ErrShortBuffer
		}
		e.IP = net.IP(append([]byte(nil), b[1:5]...))
		e.Port = binary.BigEndian.Uint16(b[5:7])
		return 1 + 4 + 2, nil
	case ipTagV6:
		if len(b) < 1+16+2 {
			return 0, ErrShortBuffer
		}
		e.IP = net.IP(append([]byte(nil), b[1:17]...))
		e.Port = binary.BigEndian.Uint16(b[17:19])
		return 1 + 16 + 2, nil
	default:
		return 0, ErrInvalidIPTag
	}
}

// UnmarshalBinary decodes b as a standalone endpoint, rejecting any
// trailing bytes.
func (e *Endpoint) UnmarshalBinary(b []byte) error {
	n, err := e.unmarshal(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return ErrTrailingBytes
	}
	return nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}
