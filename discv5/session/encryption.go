package session

import (
	"fmt"

	"github.com/bauerj/nim-eth/crypto"
)

// EncryptMessage seals a message payload with AES-128-GCM.
//
// The additional authenticated data is the unmasked packet header
// (IV || static header || authdata), binding the ciphertext to the packet
// it travels in.
func EncryptMessage(key, nonce, authData, plaintext []byte) ([]byte, error) {
	if len(key) != crypto.AESKeySize {
		return nil, fmt.Errorf("session: invalid key length: %d", len(key))
	}

	if len(nonce) != crypto.GCMNonceSize {
		return nil, fmt.Errorf("session: invalid nonce length: %d", len(nonce))
	}

	ciphertext, err := crypto.AESGCMEncrypt(key, nonce, plaintext, authData)
	if err != nil {
		return nil, fmt.Errorf("session: encryption failed: %w", err)
	}

	return ciphertext, nil
}

// DecryptMessage opens a sealed message payload.
//
// The ciphertext must carry the 16-byte authentication tag; the same
// header data used at seal time must be supplied.
func DecryptMessage(key, nonce, authData, ciphertext []byte) ([]byte, error) {
	if len(key) != crypto.AESKeySize {
		return nil, fmt.Errorf("session: invalid key length: %d", len(key))
	}

	if len(nonce) != crypto.GCMNonceSize {
		return nil, fmt.Errorf("session: invalid nonce length: %d", len(nonce))
	}

	plaintext, err := crypto.AESGCMDecrypt(key, nonce, ciphertext, authData)
	if err != nil {
		return nil, fmt.Errorf("session: decryption failed: %w", err)
	}

	return plaintext, nil
}
