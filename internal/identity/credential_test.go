package identity

import (
	"bytes"
	"testing"
)

func TestNewCredentialProducesConsistentX25519Keys(t *testing.T) {
	cred, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if len(cred.X25519PrivateKey()) != 32 {
		t.Fatalf("x25519 private key length = %d, want 32", len(cred.X25519PrivateKey()))
	}
	if len(cred.X25519PublicKey()) != 32 {
		t.Fatalf("x25519 public key length = %d, want 32", len(cred.X25519PublicKey()))
	}
}

// TestToX25519PublicMatchesPrivateDerivation is the Go rendering of
// spec invariant P4: a relay (or peer) that only has the remote
// identity's Ed25519 public key must be able to compute the same
// X25519 static public key the credential holder derives from its
// private key.
func TestToX25519PublicMatchesPrivateDerivation(t *testing.T) {
	cred, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fromPublic, err := ToX25519Public(cred.PublicKey())
	if err != nil {
		t.Fatalf("ToX25519Public: %v", err)
	}

	if !bytes.Equal(fromPublic, cred.X25519PublicKey()) {
		t.Fatalf("ToX25519Public(pub) = %x, want %x", fromPublic, cred.X25519PublicKey())
	}
}

func TestToX25519PublicRejectsBadLength(t *testing.T) {
	if _, err := ToX25519Public([]byte{1, 2, 3}); err != ErrInvalidKeyLength {
		t.Fatalf("err = %v, want ErrInvalidKeyLength", err)
	}
}

func TestFromPrivateKeyRejectsBadLength(t *testing.T) {
	if _, err := FromPrivateKey([]byte{1, 2, 3}); err != ErrInvalidKeyLength {
		t.Fatalf("err = %v, want ErrInvalidKeyLength", err)
	}
}

func TestDisplayIDDeterministicAndShort(t *testing.T) {
	cred, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := cred.DisplayID()
	b := DisplayID(cred.PublicKey())
	if a != b {
		t.Fatalf("DisplayID mismatch: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("DisplayID length = %d, want 16", len(a))
	}
}

func TestDifferentIdentitiesHaveDifferentX25519Keys(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.X25519PublicKey(), b.X25519PublicKey()) {
		t.Fatal("two random identities produced the same x25519 public key")
	}
}
