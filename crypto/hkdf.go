package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF derives keyLen bytes of key material using HKDF-SHA256.
//
// Parameters:
//   - ikm: input key material (e.g. the ECDH shared secret)
//   - salt: optional salt value (the WHOAREYOU challenge data in discovery)
//   - info: context string for domain separation
//   - keyLen: desired output length in bytes
//
// The info parameter separates keys derived for different purposes from the
// same input material.
//
// Example:
//
//	secret, _ := crypto.ECDH(ephPriv, remotePub)
//	keys, err := crypto.HKDF(secret, challengeData, info, 32)
func HKDF(ikm, salt, info []byte, keyLen int) ([]byte, error) {
	if len(ikm) == 0 {
		return nil, fmt.Errorf("crypto: empty input key material")
	}

	kdf := hkdf.New(sha256.New, ikm, salt, info)

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("crypto: HKDF extraction failed: %w", err)
	}

	return key, nil
}
