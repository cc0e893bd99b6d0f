package wire

import (
	"errors"
	"io"
)

// ErrDecryptionFailed is returned by RecordCodec.ReadRecord when the
// underlying AEAD rejects a frame (tag mismatch, out-of-order nonce,
// malformed ciphertext). Per spec invariant I1, this is always fatal
// for the session: callers must tear the session down rather than
// retry the read.
var ErrDecryptionFailed = errors.New("wire: record decryption failed")

// AEAD is the minimal interface C2 needs from the transport state C5
// establishes: one-shot encrypt/decrypt of an opaque record. The
// concrete implementation (internal/noiseops.Transport) manages Noise
// CipherState nonces internally; RecordCodec has no nonce logic of its
// own.
type AEAD interface {
	Encrypt(plaintext []byte) (ciphertext []byte, err error)
	Decrypt(ciphertext []byte) (plaintext []byte, err error)
}

// RecordCodec implements C2: one C1 frame <=> one encrypted record.
type RecordCodec struct {
	rw   io.ReadWriter
	aead AEAD
}

// NewRecordCodec builds a RecordCodec over rw, encrypting/decrypting
// with aead (the transport state C5 produced after a successful
// handshake).
func NewRecordCodec(rw io.ReadWriter, aead AEAD) *RecordCodec {
	return &RecordCodec{rw: rw, aead: aead}
}

// WriteRecord encrypts payload (<=65535 bytes of plaintext; the
// ciphertext it produces, including any AEAD tag, must itself still
// fit the C1 frame) and writes it as one C1 frame.
func (c *RecordCodec) WriteRecord(payload []byte) error {
	ciphertext, err := c.aead.Encrypt(payload)
	if err != nil {
		return err
	}
	return WriteFrame(c.rw, ciphertext)
}

// ReadRecord reads one C1 frame and decrypts it. A decryption failure
// is reported via ErrDecryptionFailed and must be treated as fatal by
// the caller (I1).
func (c *RecordCodec) ReadRecord() ([]byte, error) {
	ciphertext, err := ReadFrame(c.rw)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.aead.Decrypt(ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
