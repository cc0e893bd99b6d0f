// Package descriptor implements the relay descriptor file (spec §6,
// "out-of-band configuration"): the relay's network address and its
// Ed25519 public key, read once at client startup and written once by
// the relay so operators have something to hand clients.
package descriptor

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// Descriptor is the out-of-band relay descriptor: an address plus the
// relay's long-lived Ed25519 public key, base64-encoded on disk the
// way the teacher's utils.go encodes binary tokens for JSON transport.
type Descriptor struct {
	Address   string `json:"address"`
	PublicKey string `json:"public_key"`
}

// NewFromCredential builds a Descriptor advertising address and pub.
func NewFromCredential(address string, pub ed25519.PublicKey) Descriptor {
	return Descriptor{
		Address:   address,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	}
}

// Load reads and parses a descriptor file at path.
func Load(path string) (Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: read %s: %w", path, err)
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: parse %s: %w", path, err)
	}
	return d, nil
}

// Save writes d to path as indented JSON.
func Save(path string, d Descriptor) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("descriptor: encode: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// PublicKeyBytes decodes the base64 Ed25519 public key.
func (d Descriptor) PublicKeyBytes() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(d.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("descriptor: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("descriptor: public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
