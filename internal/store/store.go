// Package store implements the one piece of persisted application
// state spec §3's Message Envelope describes ("the application layer
// persists these") plus the address-book labels connection manager
// logging needs (SPEC_FULL.md supplemented feature 1): a pebble-backed
// message envelope log and an identity display-name table.
package store

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
)

const (
	envelopePrefix = "env/"
	labelPrefix    = "label/"
)

// Envelope is one stored message: who sent it, what it carried, and
// when it arrived. Session keys and ephemeral handshake material are
// never part of this — only application payload (spec §3).
type Envelope struct {
	Author    ed25519.PublicKey
	Text      string
	UnixNanos int64
}

// Store is a pebble-backed log of message envelopes plus a small
// identity -> display-name table, following the same
// openX(path)/Close() convention the teacher's SDK chat example uses
// for its own messageStore.
type Store struct {
	db  *pebble.DB
	seq uint64
}

// Open opens (creating if absent) a Store at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	s := &Store{db: db}
	// Resume the sequence after the last stored envelope so appends
	// after a reopen never overwrite earlier ones.
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(envelopePrefix),
		UpperBound: []byte("env0"),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if iter.Last() && len(iter.Key()) == 4+8 {
		s.seq = binary.BigEndian.Uint64(iter.Key()[4:])
	}
	if err := iter.Close(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendEnvelope persists one message envelope, keyed by a monotonic
// sequence number so LoadAll returns them in arrival order.
func (s *Store) AppendEnvelope(e Envelope) error {
	s.seq++
	var key [4 + 8]byte
	copy(key[:4], envelopePrefix)
	binary.BigEndian.PutUint64(key[4:], s.seq)

	val := marshalEnvelope(e)
	return s.db.Set(key[:], val, pebble.Sync)
}

// LoadAll returns every stored envelope in arrival order.
func (s *Store) LoadAll() ([]Envelope, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(envelopePrefix),
		UpperBound: []byte("env0"), // '0' immediately follows '/' in ASCII ordering
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Envelope
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := unmarshalEnvelope(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("store: corrupt envelope: %w", err)
		}
		out = append(out, e)
		s.seq++
	}
	return out, iter.Error()
}

// SetLabel records a human-readable display name for identityKey (the
// address-book table of SPEC_FULL.md's supplemented feature 1 — not
// the out-of-scope identity/signing-key database).
func (s *Store) SetLabel(identityKey ed25519.PublicKey, name string) error {
	return s.db.Set(labelKey(identityKey), []byte(name), pebble.Sync)
}

// Label returns the display name for identityKey, or ok=false if none
// has been recorded.
func (s *Store) Label(identityKey ed25519.PublicKey) (name string, ok bool) {
	val, closer, err := s.db.Get(labelKey(identityKey))
	if err != nil {
		return "", false
	}
	defer closer.Close()
	return string(val), true
}

func labelKey(identityKey ed25519.PublicKey) []byte {
	return append([]byte(labelPrefix), identityKey...)
}

func marshalEnvelope(e Envelope) []byte {
	buf := make([]byte, 0, 2+len(e.Author)+8+2+len(e.Text))
	buf = appendUint16Prefixed(buf, e.Author)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(e.UnixNanos))
	buf = append(buf, tsBuf[:]...)
	buf = appendUint16PrefixedString(buf, e.Text)
	return buf
}

func unmarshalEnvelope(b []byte) (Envelope, error) {
	author, n, err := readUint16Prefixed(b)
	if err != nil {
		return Envelope{}, err
	}
	b = b[n:]

	if len(b) < 8 {
		return Envelope{}, fmt.Errorf("short timestamp")
	}
	ts := int64(binary.BigEndian.Uint64(b[:8]))
	b = b[8:]

	text, _, err := readUint16PrefixedString(b)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Author: ed25519.PublicKey(author), Text: text, UnixNanos: ts}, nil
}

func appendUint16Prefixed(buf []byte, data []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func appendUint16PrefixedString(buf []byte, s string) []byte {
	return appendUint16Prefixed(buf, []byte(s))
}

func readUint16Prefixed(b []byte) ([]byte, int, error) {
	if len(b) < 2 {
		return nil, 0, fmt.Errorf("short length prefix")
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+n {
		return nil, 0, fmt.Errorf("short body")
	}
	out := make([]byte, n)
	copy(out, b[2:2+n])
	return out, 2 + n, nil
}

func readUint16PrefixedString(b []byte) (string, int, error) {
	data, n, err := readUint16Prefixed(b)
	return string(data), n, err
}
