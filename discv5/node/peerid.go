package node

import (
	"crypto/ecdsa"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"

	"github.com/bauerj/nim-eth/crypto"
)

// BuildPeerID renders a public key as a libp2p-style peer ID string.
//
// The compressed secp256k1 key is wrapped in the libp2p PublicKey protobuf
// (type field 0x08 0x02 = secp256k1, data field 0x12 0x21 + 33 key bytes),
// wrapped in an IDENTITY multihash and base58 encoded. This form is handy
// in log output because operators can paste it into other tooling.
func BuildPeerID(pubKey *ecdsa.PublicKey) string {
	compressed := crypto.CompressPubkey(pubKey)

	protobuf := make([]byte, 0, 37)
	protobuf = append(protobuf, 0x08, 0x02)
	protobuf = append(protobuf, 0x12, 0x21)
	protobuf = append(protobuf, compressed...)

	mh, err := multihash.Encode(protobuf, multihash.IDENTITY)
	if err != nil {
		return ""
	}

	return base58.Encode(mh)
}

// PeerID returns the node's libp2p-style peer ID string.
func (n *Node) PeerID() string {
	pubKey := n.PublicKey()
	if pubKey == nil {
		return ""
	}
	return BuildPeerID(pubKey)
}
