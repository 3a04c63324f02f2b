// Package session implements encrypted session state for the discovery
// protocol:
//   - session keys derived from the WHOAREYOU handshake (ECDH + HKDF)
//   - AES-GCM message sealing and opening
//   - a bounded LRU store of active sessions
package session

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/bauerj/nim-eth/crypto"
	"github.com/bauerj/nim-eth/discv5/node"
)

// Session holds the keys for an established encrypted session with a peer.
//
// Keys are asymmetric by direction: outgoing messages are sealed with the
// write key, incoming messages are opened with the read key. The peer holds
// the same pair with the roles swapped.
type Session struct {
	// RemoteID is the node ID of the remote peer
	RemoteID node.ID

	// RemoteAddr is the UDP endpoint of the remote peer
	RemoteAddr *net.UDPAddr

	// readKey opens incoming messages
	readKey []byte

	// writeKey seals outgoing messages
	writeKey []byte

	// counter feeds the outgoing nonce; incremented per message
	counter uint64

	mu sync.Mutex
}

// NewSession creates a session with the given directional keys.
func NewSession(remoteID node.ID, remoteAddr *net.UDPAddr, readKey, writeKey []byte) *Session {
	return &Session{
		RemoteID:   remoteID,
		RemoteAddr: remoteAddr,
		readKey:    readKey,
		writeKey:   writeKey,
	}
}

// ReadKey returns the key for opening incoming messages.
func (s *Session) ReadKey() []byte {
	return s.readKey
}

// WriteKey returns the key for sealing outgoing messages.
func (s *Session) WriteKey() []byte {
	return s.writeKey
}

// NextNonce returns a fresh 12-byte nonce for an outgoing message.
//
// The low 8 bytes carry a monotonic per-session counter so a nonce is never
// reused under the same key; the high 4 bytes are random.
func (s *Session) NextNonce() ([]byte, error) {
	s.mu.Lock()
	s.counter++
	ctr := s.counter
	s.mu.Unlock()

	nonce := make([]byte, crypto.GCMNonceSize)
	prefix, err := crypto.GenerateRandomBytes(4)
	if err != nil {
		return nil, err
	}
	copy(nonce[0:4], prefix)
	binary.BigEndian.PutUint64(nonce[4:12], ctr)

	return nonce, nil
}

// Key identifies a session by peer ID and UDP endpoint. A peer that moves
// address has to handshake again.
type Key struct {
	ID   node.ID
	Addr string
}

// MakeKey builds a session key from a node ID and address.
func MakeKey(id node.ID, addr *net.UDPAddr) Key {
	return Key{ID: id, Addr: addr.String()}
}
