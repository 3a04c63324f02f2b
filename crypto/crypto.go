// Package crypto provides the cryptographic primitives for the discovery
// protocol:
//   - secp256k1 ECDH key agreement for session establishment
//   - AES-128-GCM sealing and opening of message payloads
//   - HKDF-SHA256 key derivation for session keys
//
// For basic key operations (generation, signing, verification), use
// github.com/ethereum/go-ethereum/crypto directly.
package crypto

import (
	"crypto/rand"
	"io"
)

// GenerateRandomBytes generates n random bytes using a cryptographically
// secure RNG.
//
// Example:
//
//	nonce, err := crypto.GenerateRandomBytes(12)
//	if err != nil {
//	    return err
//	}
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
