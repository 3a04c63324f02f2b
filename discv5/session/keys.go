package session

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/bauerj/nim-eth/crypto"
	"github.com/bauerj/nim-eth/discv5/node"
)

// Keys holds the two directional session keys produced by the handshake
// key agreement.
type Keys struct {
	// InitiatorKey is the write key of the handshake initiator
	InitiatorKey []byte

	// RecipientKey is the write key of the handshake recipient
	RecipientKey []byte
}

// DeriveKeys derives the directional session keys for a handshake.
//
// The derivation follows discovery v5.1:
//
//	secret  = ECDH(ephemeral-key, remote-pubkey)        (33-byte compressed point)
//	info    = "discovery v5 key agreement" || initiator-id || recipient-id
//	kdf     = HKDF-SHA256(ikm=secret, salt=challenge-data, info=info)
//	initiator-key = kdf[0:16]
//	recipient-key = kdf[16:32]
//
// Both sides compute the same pair; which key each side writes with depends
// on its handshake role.
func DeriveKeys(
	ephPrivKey *ecdsa.PrivateKey,
	remotePubKey *ecdsa.PublicKey,
	initiatorID, recipientID node.ID,
	challengeData []byte,
) (*Keys, error) {
	secret, err := crypto.ECDH(ephPrivKey, remotePubKey)
	if err != nil {
		return nil, fmt.Errorf("session: ECDH failed: %w", err)
	}

	info := make([]byte, 0, 26+32+32)
	info = append(info, []byte("discovery v5 key agreement")...)
	info = append(info, initiatorID[:]...)
	info = append(info, recipientID[:]...)

	material, err := crypto.HKDF(secret, challengeData, info, 2*crypto.AESKeySize)
	if err != nil {
		return nil, fmt.Errorf("session: key derivation failed: %w", err)
	}

	return &Keys{
		InitiatorKey: material[0:16],
		RecipientKey: material[16:32],
	}, nil
}
