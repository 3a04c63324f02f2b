package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// ECDH performs Elliptic Curve Diffie-Hellman key agreement on secp256k1.
//
// The shared secret is the compressed encoding of the point
// privKey * pubKey, i.e. a 33-byte value starting with 0x02 or 0x03.
// This matches the discovery v5 key agreement, where the compressed
// point — not just the X coordinate — feeds the KDF.
//
// Example:
//
//	// Both sides compute the same secret:
//	s1, _ := crypto.ECDH(alicePriv, bobPub)
//	s2, _ := crypto.ECDH(bobPriv, alicePub)
func ECDH(privKey *ecdsa.PrivateKey, pubKey *ecdsa.PublicKey) ([]byte, error) {
	if privKey == nil {
		return nil, fmt.Errorf("crypto: nil private key")
	}

	if pubKey == nil {
		return nil, fmt.Errorf("crypto: nil public key")
	}

	secX, secY := pubKey.Curve.ScalarMult(pubKey.X, pubKey.Y, privKey.D.Bytes())
	if secX == nil {
		return nil, fmt.Errorf("crypto: ECDH produced point at infinity")
	}

	// Compress: 0x02/0x03 prefix + 32-byte X coordinate.
	sec := make([]byte, 33)
	sec[0] = 0x02 | byte(secY.Bit(0))
	secX.FillBytes(sec[1:33])

	return sec, nil
}

// ValidatePublicKey validates that a public key is on the secp256k1 curve.
//
// This should be called on public keys received from untrusted sources to
// prevent invalid point attacks.
func ValidatePublicKey(pubKey *ecdsa.PublicKey) error {
	if pubKey == nil {
		return fmt.Errorf("crypto: nil public key")
	}

	if !pubKey.Curve.IsOnCurve(pubKey.X, pubKey.Y) {
		return fmt.Errorf("crypto: public key point is not on curve")
	}

	if pubKey.X.Sign() == 0 && pubKey.Y.Sign() == 0 {
		return fmt.Errorf("crypto: public key is the point at infinity")
	}

	return nil
}

// CompressPubkey encodes a public key in compressed form (33 bytes).
func CompressPubkey(pubKey *ecdsa.PublicKey) []byte {
	return crypto.CompressPubkey(pubKey)
}

// DecompressPubkey decodes a compressed public key.
func DecompressPubkey(data []byte) (*ecdsa.PublicKey, error) {
	if len(data) != 33 {
		return nil, fmt.Errorf("crypto: invalid compressed public key length: %d", len(data))
	}
	return crypto.DecompressPubkey(data)
}
