// Package filestore implements trusted file transfer's receiving side
// (spec §3, I3, P7): content-addressed storage keyed by BLAKE3-256
// digest, with a pebble index of descriptor metadata so a digest can
// be resolved back to a human name and size for GetFile (spec §4.6).
package filestore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"lukechampine.com/blake3"

	"github.com/duskline/duskline/internal/protocol"
)

// ErrDigestMismatch is returned by PutExpecting when the streamed bytes'
// BLAKE3-256 digest does not match the expected one (I3).
var ErrDigestMismatch = errors.New("filestore: digest mismatch")

// ErrNotFound is returned when no file is stored under a digest.
var ErrNotFound = errors.New("filestore: digest not found")

// Store is a content-addressed file store: file bytes live under
// dataDir/<hex digest>, and a pebble index maps digest to the
// descriptor metadata the peer protocol needs to announce it.
type Store struct {
	dataDir string
	index   *pebble.DB
}

// Open opens (creating if absent) a Store rooted at dir.
func Open(dir string) (*Store, error) {
	dataDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: mkdir: %w", err)
	}
	db, err := pebble.Open(filepath.Join(dir, "index"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("filestore: open index: %w", err)
	}
	return &Store{dataDir: dataDir, index: db}, nil
}

// Close closes the underlying index.
func (s *Store) Close() error {
	return s.index.Close()
}

func (s *Store) blobPath(digest [32]byte) string {
	return filepath.Join(s.dataDir, hex.EncodeToString(digest[:]))
}

// Put streams r to disk while hashing it, stores the blob under the
// resulting digest, and indexes the descriptor with name/mime. It does
// not check the digest against any expected value (see PutExpecting).
// Content is written to a temporary file and atomically renamed into
// place so a reader can never observe a partially written blob.
func (s *Store) Put(name, mime string, r io.Reader) (protocol.FileDescriptor, error) {
	tmp, err := os.CreateTemp(s.dataDir, "incoming-*")
	if err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("filestore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := blake3.New(32, nil)
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		tmp.Close()
		return protocol.FileDescriptor{}, fmt.Errorf("filestore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("filestore: close temp: %w", err)
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))

	if err := os.Rename(tmpPath, s.blobPath(digest)); err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("filestore: commit: %w", err)
	}

	desc := protocol.FileDescriptor{Name: name, Size: uint64(size), Digest: digest, MIME: mime}
	if err := s.putIndex(desc); err != nil {
		return protocol.FileDescriptor{}, err
	}
	return desc, nil
}

// PutExpecting is like Put but fails with ErrDigestMismatch instead of
// indexing the file if the streamed bytes don't hash to want (used by
// the receiving side of GetFile, which already knows the expected
// digest from a prior FileMeta announcement).
func (s *Store) PutExpecting(name, mime string, want [32]byte, r io.Reader) (protocol.FileDescriptor, error) {
	desc, err := s.Put(name, mime, r)
	if err != nil {
		return protocol.FileDescriptor{}, err
	}
	if desc.Digest != want {
		os.Remove(s.blobPath(desc.Digest))
		s.deleteIndex(desc.Digest)
		return protocol.FileDescriptor{}, ErrDigestMismatch
	}
	return desc, nil
}

// Open returns a reader over the stored blob plus its descriptor.
func (s *Store) Open(digest [32]byte) (io.ReadCloser, protocol.FileDescriptor, error) {
	desc, err := s.Descriptor(digest)
	if err != nil {
		return nil, protocol.FileDescriptor{}, err
	}
	f, err := os.Open(s.blobPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, protocol.FileDescriptor{}, ErrNotFound
		}
		return nil, protocol.FileDescriptor{}, err
	}
	return f, desc, nil
}

// Has reports whether digest is present locally.
func (s *Store) Has(digest [32]byte) bool {
	_, closer, err := s.index.Get(digest[:])
	if err != nil {
		return false
	}
	closer.Close()
	return true
}

// Descriptor looks up a stored file's metadata by digest without
// opening its blob.
func (s *Store) Descriptor(digest [32]byte) (protocol.FileDescriptor, error) {
	raw, closer, err := s.index.Get(digest[:])
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return protocol.FileDescriptor{}, ErrNotFound
		}
		return protocol.FileDescriptor{}, err
	}
	defer closer.Close()

	var desc protocol.FileDescriptor
	if err := desc.UnmarshalBinary(raw); err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("filestore: corrupt index entry: %w", err)
	}
	return desc, nil
}

func (s *Store) putIndex(desc protocol.FileDescriptor) error {
	raw, err := desc.MarshalBinary()
	if err != nil {
		return err
	}
	return s.index.Set(desc.Digest[:], raw, pebble.Sync)
}

func (s *Store) deleteIndex(digest [32]byte) {
	s.index.Delete(digest[:], pebble.Sync)
}
