// Package identity implements the long-lived Ed25519 identity (spec §3,
// "Identity") and its deterministic conversion to the X25519 static
// keypair used by the Noise handshake driver (C5).
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base32"
	"errors"
)

var ErrInvalidKeyLength = errors.New("identity: invalid key length")

// ErrInvalidIdentityPoint is returned by ToX25519Public when the public
// key does not correspond to a valid curve point (y == 1 mod p, which
// has no Montgomery u-coordinate).
var ErrInvalidIdentityPoint = errors.New("identity: public key has no corresponding x25519 point")

// displayIDMagic scopes the HMAC used for DisplayID so it can never
// collide with a signature or handshake transcript computed over the
// same public key.
var displayIDMagic = []byte("DUSKLINE_DISPLAY_ID_V1")

var displayEncoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)

// DisplayID derives a short, human-readable label for logs. It is never
// used as a wire identifier — the identity key itself (§3) is the stable
// identifier — but following it through logs beats printing raw hex.
func DisplayID(pub ed25519.PublicKey) string {
	h := hmac.New(sha256.New, displayIDMagic)
	h.Write(pub)
	return displayEncoding.EncodeToString(h.Sum(nil))[:16]
}

// Credential is a user's long-lived identity: an Ed25519 signing keypair
// plus the X25519 static keypair deterministically derived from it for
// use as the Noise handshake static key (spec §3).
type Credential struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	x25519Priv []byte
	x25519Pub  []byte
}

// New generates a fresh random identity.
func New() (*Credential, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey builds a Credential from an existing Ed25519 private
// key. Loading/saving that key from disk is the out-of-scope identity
// database (spec §1); this only consumes it.
func FromPrivateKey(priv ed25519.PrivateKey) (*Credential, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeyLength
	}
	c := &Credential{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}
	if err := c.deriveX25519(); err != nil {
		return nil, err
	}
	return c, nil
}

// deriveX25519 computes the X25519 static keypair from the Ed25519 seed:
// SHA-512(seed)[:32], clamped per RFC 7748. ToX25519Public is the
// public-key counterpart of this derivation: a peer who only has our
// public identity key computes the same static public key we compute
// here (P4).
func (c *Credential) deriveX25519() error {
	h := sha512.Sum512(c.priv.Seed())
	defer zero(h[:])

	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	priv := make([]byte, 32)
	copy(priv, h[:32])
	c.x25519Priv = priv

	curve := ecdh.X25519()
	xpriv, err := curve.NewPrivateKey(priv)
	if err != nil {
		// Clamped 32-byte scalars are always valid X25519 private keys;
		// a failure here means the standard library's invariants broke.
		panic("identity: x25519 private key derivation: " + err.Error())
	}
	c.x25519Pub = xpriv.PublicKey().Bytes()
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// PublicKey returns the stable 32-byte identity key (spec §3).
func (c *Credential) PublicKey() ed25519.PublicKey { return c.pub }

// PrivateKey returns the underlying Ed25519 private key.
func (c *Credential) PrivateKey() ed25519.PrivateKey { return c.priv }

// X25519PrivateKey returns the Noise handshake static private key.
func (c *Credential) X25519PrivateKey() []byte { return c.x25519Priv }

// X25519PublicKey returns the Noise handshake static public key.
func (c *Credential) X25519PublicKey() []byte { return c.x25519Pub }

// Sign signs data with the Ed25519 identity key.
func (c *Credential) Sign(data []byte) []byte { return ed25519.Sign(c.priv, data) }

// DisplayID is the short label for this identity, for logs only.
func (c *Credential) DisplayID() string { return DisplayID(c.pub) }
