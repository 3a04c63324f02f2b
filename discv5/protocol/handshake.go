package protocol

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"net"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/bauerj/nim-eth/discv5/node"
)

// DefaultHandshakeTimeout is how long pending handshake state is kept
// before it is garbage collected.
const DefaultHandshakeTimeout = 2 * time.Second

// idSignatureInput is the domain separator of the handshake identity proof.
const idSignatureInput = "discovery v5 identity proof"

// makeIDSignature signs the handshake identity proof with the static key:
//
//	sha256("discovery v5 identity proof" || challenge-data || eph-pubkey || dest-id)
//
// The signature proves ownership of the node ID to the challenger.
func makeIDSignature(privKey *ecdsa.PrivateKey, challengeData, ephPubkey []byte, destID node.ID) ([]byte, error) {
	hash := sha256.New()
	hash.Write([]byte(idSignatureInput))
	hash.Write(challengeData)
	hash.Write(ephPubkey)
	hash.Write(destID[:])

	sig, err := ethcrypto.Sign(hash.Sum(nil), privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign id nonce: %w", err)
	}

	// The recovery ID is dropped; the verifier knows the public key.
	return sig[:len(sig)-1], nil
}

// verifyIDSignature checks a handshake identity proof against the sender's
// advertised static public key.
func verifyIDSignature(pubKey *ecdsa.PublicKey, signature, challengeData, ephPubkey []byte, destID node.ID) bool {
	if len(signature) != 64 {
		return false
	}

	hash := sha256.New()
	hash.Write([]byte(idSignatureInput))
	hash.Write(challengeData)
	hash.Write(ephPubkey)
	hash.Write(destID[:])

	return ethcrypto.VerifySignature(ethcrypto.CompressPubkey(pubKey), hash.Sum(nil), signature)
}

// handshakeKey identifies in-flight handshake state. At most one handshake
// is pending per key, in each direction.
type handshakeKey struct {
	id   node.ID
	addr string
}

func makeHandshakeKey(id node.ID, addr *net.UDPAddr) handshakeKey {
	return handshakeKey{id: id, addr: addr.String()}
}

// pendingHandshake is outbound state: we sent a random packet and are
// waiting for the WHOAREYOU challenge.
type pendingHandshake struct {
	// node is the handshake peer
	node *node.Node

	// message is re-sent inside the handshake packet
	message Message

	// createdAt drives garbage collection
	createdAt time.Time
}

// sentChallenge is inbound state: we answered an unreadable packet with a
// WHOAREYOU and are waiting for the handshake packet.
type sentChallenge struct {
	// challengeData is the unmasked WHOAREYOU bytes the peer signs over
	challengeData []byte

	// createdAt drives garbage collection
	createdAt time.Time
}
