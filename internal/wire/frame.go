// Package wire implements the layered codec stack of spec §4.1-§4.4:
// a length-prefixed framer (C1), an encrypted-record codec (C2), a
// chunked message codec (C3), and a typed message codec (C4).
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxFrameSize is the largest payload a single C1 frame can carry,
// bounded by the 2-byte big-endian length prefix (spec §4.1).
const MaxFrameSize = 65535

// ErrFrameTooLarge is returned by WriteFrame when asked to send a
// payload that cannot fit in the 2-byte length prefix.
var ErrFrameTooLarge = errors.New("wire: frame payload exceeds 65535 bytes")

// WriteFrame writes a 2-byte big-endian length prefix followed by
// payload in a single call, so that nothing observes a partial frame
// on the wire.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(payload)))
	copy(buf[2:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one complete frame from r, blocking until the full
// frame has arrived. It tolerates partial reads on the underlying
// stream: io.ReadFull loops internally until either the requested
// number of bytes has been read or the stream fails.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}
