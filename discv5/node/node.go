// Package node provides the core types for representing peers in the
// discovery overlay.
//
// A Node combines:
//   - Identity: a signed ENR record
//   - Network info: the UDP endpoint derived from the record
//   - Liveness statistics: last seen time, failure counts, RTT
package node

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bauerj/nim-eth/enr"
	"github.com/bauerj/nim-eth/stats"
)

// ID is a unique 256-bit node identifier.
//
// The ID is derived deterministically from the node's public key:
//
//	id = keccak256(uncompressed_pubkey[1:])
type ID [32]byte

// String returns the hex representation of the node ID.
func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Bytes returns the byte slice representation of the node ID.
func (id ID) Bytes() []byte {
	return id[:]
}

// PubkeyToID converts a public key to a node ID.
func PubkeyToID(pub *ecdsa.PublicKey) ID {
	var id ID
	hash := crypto.Keccak256(crypto.FromECDSAPub(pub)[1:])
	copy(id[:], hash)
	return id
}

// Node represents a peer in the discovery overlay.
//
// It pairs the peer's ENR record with runtime state that is not part of the
// record: the resolved UDP endpoint and liveness statistics. Nodes are
// compared by ID.
type Node struct {
	// record is the signed ENR record
	record *enr.Record

	// id is the node ID cached from the record's public key
	id ID

	// addr is the UDP endpoint derived from the record
	addr *net.UDPAddr

	// tcpPort is the advertised TCP port, if any
	tcpPort uint16

	// stats tracks liveness observations
	stats *stats.SharedStats

	// bootstrap marks seed nodes that are never evicted on failure
	bootstrap bool
}

// New creates a Node from an ENR record.
//
// The node ID and UDP endpoint are extracted from the record. Returns an
// error if the record is missing the public key, IP or UDP port.
func New(record *enr.Record) (*Node, error) {
	if record == nil {
		return nil, fmt.Errorf("node: nil ENR record")
	}

	pubKey := record.PublicKey()
	if pubKey == nil {
		return nil, fmt.Errorf("node: ENR missing public key")
	}
	id := PubkeyToID(pubKey)

	ip := record.IP()
	if ip == nil {
		ip = record.IP6()
	}
	if ip == nil {
		return nil, fmt.Errorf("node: ENR missing IP address")
	}

	udpPort := record.UDP()
	if udpPort == 0 {
		return nil, fmt.Errorf("node: ENR missing UDP port")
	}

	return &Node{
		record:  record,
		id:      id,
		addr:    &net.UDPAddr{IP: ip, Port: int(udpPort)},
		tcpPort: record.TCP(),
		stats:   stats.NewSharedStats(time.Now()),
	}, nil
}

// ID returns the node's identifier.
func (n *Node) ID() ID {
	return n.id
}

// Record returns the node's ENR record.
func (n *Node) Record() *enr.Record {
	return n.record
}

// Seq returns the sequence number of the node's record.
func (n *Node) Seq() uint64 {
	return n.record.Seq()
}

// Addr returns the node's UDP endpoint.
func (n *Node) Addr() *net.UDPAddr {
	return n.addr
}

// IP returns the node's IP address.
func (n *Node) IP() net.IP {
	return n.addr.IP
}

// UDPPort returns the node's UDP port.
func (n *Node) UDPPort() uint16 {
	return uint16(n.addr.Port)
}

// TCPPort returns the node's TCP port (0 if not advertised).
func (n *Node) TCPPort() uint16 {
	return n.tcpPort
}

// PublicKey returns the node's static public key.
func (n *Node) PublicKey() *ecdsa.PublicKey {
	return n.record.PublicKey()
}

// SetBootstrap marks the node as a bootstrap seed.
//
// Bootstrap nodes are never removed from the routing table on request
// failure; losing all seeds would strand an otherwise empty table.
func (n *Node) SetBootstrap(v bool) {
	n.bootstrap = v
}

// IsBootstrap reports whether the node is a bootstrap seed.
func (n *Node) IsBootstrap() bool {
	return n.bootstrap
}

// SetLastSeen updates the last seen time.
func (n *Node) SetLastSeen(t time.Time) {
	n.stats.SetLastSeen(t)
}

// LastSeen returns the last time a self-initiated exchange with the node
// succeeded; zero if never.
func (n *Node) LastSeen() time.Time {
	return n.stats.LastSeen()
}

// Seen reports whether the node has ever answered a request of ours.
func (n *Node) Seen() bool {
	return !n.stats.LastSeen().IsZero()
}

// IncrementFailureCount increases the failure count by 1.
func (n *Node) IncrementFailureCount() {
	n.stats.IncrementFailureCount()
}

// ResetFailureCount resets the failure count and records a success.
func (n *Node) ResetFailureCount() {
	n.stats.ResetFailureCount()
}

// FailureCount returns the number of consecutive failures.
func (n *Node) FailureCount() int {
	return n.stats.FailureCount()
}

// UpdateRTT folds a round-trip sample into the node's moving average.
func (n *Node) UpdateRTT(rtt time.Duration) {
	n.stats.UpdateRTT(rtt)
}

// UpdateRecord replaces the node's record if the new one has a higher
// sequence number. The UDP endpoint is refreshed from the new record.
//
// Returns true if the record was replaced.
func (n *Node) UpdateRecord(newRecord *enr.Record) bool {
	if newRecord == nil || newRecord.Seq() <= n.record.Seq() {
		return false
	}

	n.record = newRecord

	ip := newRecord.IP()
	if ip == nil {
		ip = newRecord.IP6()
	}
	udpPort := newRecord.UDP()
	if ip != nil && udpPort != 0 {
		n.addr = &net.UDPAddr{IP: ip, Port: int(udpPort)}
	}

	n.tcpPort = newRecord.TCP()
	return true
}

// Stats returns a snapshot of the node's liveness statistics.
func (n *Node) Stats() stats.Snapshot {
	return n.stats.GetSnapshot()
}

// String returns a short human-readable representation.
//
// Format: Node[id=abc12345..., addr=127.0.0.1:9000, seen=1m0s ago]
func (n *Node) String() string {
	lastSeen := n.stats.LastSeen()

	seenStr := "never"
	if !lastSeen.IsZero() {
		seenStr = fmt.Sprintf("%v ago", time.Since(lastSeen).Round(time.Second))
	}

	return fmt.Sprintf("Node[id=%s..., addr=%s, seen=%s]", n.id.String()[:8], n.addr, seenStr)
}
