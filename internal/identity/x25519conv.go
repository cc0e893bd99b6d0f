package identity

import (
	"crypto/ed25519"
	"math/big"
)

// fieldPrime is 2^255 - 19, the prime underlying both Curve25519 and
// Edwards25519.
var fieldPrime = new(big.Int).Sub(
	new(big.Int).Lsh(big.NewInt(1), 255),
	big.NewInt(19),
)

var one = big.NewInt(1)

// ToX25519Public converts an Ed25519 identity public key to its
// corresponding X25519 (Curve25519) static public key, via the
// birational map between the Edwards and Montgomery curve models:
//
//	u = (1 + y) / (1 - y)  (mod p)
//
// where y is the Edwards curve's y-coordinate recovered from the
// little-endian encoded Ed25519 public key (the sign bit in the top
// byte is discarded; it selects the x-coordinate's sign, which the
// Montgomery u-coordinate alone does not depend on).
//
// This is the same conversion identity libraries such as libsodium's
// crypto_sign_ed25519_pk_to_curve25519 perform, and is mathematically
// consistent with Credential.deriveX25519's private-key-side clamp: the
// two curves are birationally equivalent, and scalar multiplication by
// the same clamped scalar on each carries the base point to
// corresponding points under this map.
func ToX25519Public(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeyLength
	}

	// Decode y little-endian, masking the sign bit (top bit of the last byte).
	buf := make([]byte, ed25519.PublicKeySize)
	copy(buf, pub)
	buf[31] &= 0x7f
	reverse(buf)
	y := new(big.Int).SetBytes(buf)
	y.Mod(y, fieldPrime)

	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, fieldPrime)

	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, fieldPrime)

	denomInv := new(big.Int).ModInverse(denominator, fieldPrime)
	if denomInv == nil {
		return nil, ErrInvalidIdentityPoint
	}

	u := new(big.Int).Mul(numerator, denomInv)
	u.Mod(u, fieldPrime)

	out := make([]byte, 32)
	uBytes := u.Bytes()
	copy(out[32-len(uBytes):], uBytes)
	reverse(out)
	return out, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
