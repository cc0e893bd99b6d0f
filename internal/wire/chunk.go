package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// aeadTagOverhead is the per-record AEAD authentication tag size
// (ChaCha20-Poly1305, as used throughout the teacher's handshake code
// and ours — see internal/noiseops). It bounds how much plaintext a
// single C2 record can carry while its ciphertext still fits C1's
// 65535-byte frame.
const aeadTagOverhead = 16

// MaxChunkPlaintext is the largest plaintext payload one C2 record
// carries under the chunked codec, leaving room for the AEAD tag so
// the resulting ciphertext still fits a C1 frame.
const MaxChunkPlaintext = MaxFrameSize - aeadTagOverhead

// ErrMessageTooLarge guards the outer envelope length field.
var ErrMessageTooLarge = errors.New("wire: logical message too large")

// ChunkCodec implements C3: it splits a logical message larger than a
// single record's capacity across several C2 records, and wraps the
// whole thing in an outer length-prefixed envelope so the receiver
// knows when the logical message ends.
//
// C1's own length field is only 16 bits, too narrow to describe the
// total size of several concatenated records once a logical message
// needs more than one. The outer envelope here therefore reuses C1's
// "length prefix, then payload" discipline but with a 4-byte
// big-endian length instead of C1's 2-byte one; everything inside that
// envelope is a sequence of ordinary C1-framed, C2-encrypted records.
type ChunkCodec struct {
	rw     io.ReadWriter
	record *RecordCodec
}

// NewChunkCodec builds a ChunkCodec over rw, using record for the
// underlying per-chunk encryption.
func NewChunkCodec(rw io.ReadWriter, record *RecordCodec) *ChunkCodec {
	return &ChunkCodec{rw: rw, record: record}
}

// WriteMessage sends payload as one logical message, chunked across
// as many C2 records as needed.
func (c *ChunkCodec) WriteMessage(payload []byte) error {
	var inner bytes.Buffer

	for offset := 0; offset == 0 || offset < len(payload); {
		end := offset + MaxChunkPlaintext
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]

		ciphertext, err := c.record.aead.Encrypt(chunk)
		if err != nil {
			return err
		}
		if len(ciphertext) > MaxFrameSize {
			return ErrFrameTooLarge
		}

		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(ciphertext)))
		inner.Write(lenBuf[:])
		inner.Write(ciphertext)

		offset = end
		if len(payload) == 0 {
			break
		}
	}

	if inner.Len() > int(^uint32(0)) {
		return ErrMessageTooLarge
	}

	var outerLen [4]byte
	binary.BigEndian.PutUint32(outerLen[:], uint32(inner.Len()))
	if _, err := c.rw.Write(outerLen[:]); err != nil {
		return err
	}
	_, err := c.rw.Write(inner.Bytes())
	return err
}

// ReadMessage reads one logical message, reassembling it from however
// many C2 records the sender split it across.
func (c *ChunkCodec) ReadMessage() ([]byte, error) {
	var outerLen [4]byte
	if _, err := io.ReadFull(c.rw, outerLen[:]); err != nil {
		return nil, err
	}
	total := binary.BigEndian.Uint32(outerLen[:])

	inner := make([]byte, total)
	if total > 0 {
		if _, err := io.ReadFull(c.rw, inner); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	r := bytes.NewReader(inner)
	for r.Len() > 0 {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		ciphertext := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, ciphertext); err != nil {
				return nil, err
			}
		}
		plaintext, err := c.record.aead.Decrypt(ciphertext)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
		out.Write(plaintext)
	}

	return out.Bytes(), nil
}
