// Package enr implements Ethereum Node Records (ENR) as defined in EIP-778.
//
// An ENR is a signed, versioned data structure describing a node. Each
// record carries:
//   - A sequence number (incremented on updates)
//   - An identity scheme and signature
//   - Arbitrary key-value pairs for node metadata
//
// Records are limited to 300 bytes so they fit in UDP packets, and are
// encoded using RLP.
package enr

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// MaxRecordSize is the maximum allowed size of an encoded record in bytes.
const MaxRecordSize = 300

var (
	// ErrRecordTooLarge is returned when a record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("enr: record size exceeds 300 bytes")

	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("enr: invalid signature")

	// ErrNoKey is returned when a requested key is not present in the record.
	ErrNoKey = errors.New("enr: key not found")

	// ErrInvalidRecord is returned when a record has invalid structure.
	ErrInvalidRecord = errors.New("enr: invalid record structure")
)

// Record represents a signed node record.
//
// A record consists of a signature, a sequence number and key-value pairs.
// Records are effectively immutable once signed; to update one, build a new
// record with an incremented sequence number and re-sign it.
type Record struct {
	// signature is the secp256k1 signature over the record content
	signature []byte

	// seq is the sequence number, incremented on updates
	seq uint64

	// pairs contains the key-value pairs of the record
	pairs map[string]interface{}

	// raw caches the RLP encoding
	raw []byte

	mu sync.RWMutex
}

// New creates a new empty record with sequence number 0.
func New() *Record {
	return &Record{
		pairs: make(map[string]interface{}),
	}
}

// Seq returns the sequence number of the record.
func (r *Record) Seq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// SetSeq sets the sequence number.
//
// The new sequence number must be greater than the current one for peers to
// accept the updated record.
func (r *Record) SetSeq(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = seq
	r.raw = nil
}

// Set stores a key-value pair in the record.
//
// The value must be RLP-encodable. Well-known keys are "id", "ip", "ip6",
// "udp", "tcp" and "secp256k1".
func (r *Record) Set(key string, value interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key == "" {
		return errors.New("enr: key cannot be empty")
	}

	r.pairs[key] = value
	r.raw = nil
	return nil
}

// Get retrieves a value from the record by key, decoding it into dest.
//
// Returns ErrNoKey if the key is not present.
func (r *Record) Get(key string, dest interface{}) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, exists := r.pairs[key]
	if !exists {
		return ErrNoKey
	}

	// Fast path for locally-set values of common types.
	switch d := dest.(type) {
	case *net.IP:
		if ip, ok := value.(net.IP); ok {
			*d = ip
			return nil
		}
	case *uint16:
		if port, ok := value.(uint16); ok {
			*d = port
			return nil
		}
	case *string:
		if str, ok := value.(string); ok {
			*d = str
			return nil
		}
	case *[]byte:
		if b, ok := value.([]byte); ok {
			*d = b
			return nil
		}
	}

	// Decoded records hold raw RLP values; round-trip through RLP.
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("enr: failed to encode value: %w", err)
	}

	if err := rlp.DecodeBytes(encoded, dest); err != nil {
		return fmt.Errorf("enr: failed to decode value: %w", err)
	}

	return nil
}

// Has reports whether a key exists in the record.
func (r *Record) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.pairs[key]
	return exists
}

// Pairs returns a copy of all key-value pairs in the record.
func (r *Record) Pairs() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]interface{}, len(r.pairs))
	for k, v := range r.pairs {
		result[k] = v
	}
	return result
}

// IP returns the IPv4 address, or nil if the record has none.
func (r *Record) IP() net.IP {
	var ip net.IP
	if err := r.Get("ip", &ip); err == nil {
		return ip
	}
	return nil
}

// IP6 returns the IPv6 address, or nil if the record has none.
func (r *Record) IP6() net.IP {
	var ip net.IP
	if err := r.Get("ip6", &ip); err == nil {
		return ip
	}
	return nil
}

// UDP returns the UDP port, or 0 if the record has none.
func (r *Record) UDP() uint16 {
	var port uint16
	if err := r.Get("udp", &port); err == nil {
		return port
	}
	return 0
}

// TCP returns the TCP port, or 0 if the record has none.
func (r *Record) TCP() uint16 {
	var port uint16
	if err := r.Get("tcp", &port); err == nil {
		return port
	}
	return 0
}

// IdentityScheme returns the identity scheme of the record ("v4" for
// secp256k1 identities).
func (r *Record) IdentityScheme() string {
	var id string
	if err := r.Get("id", &id); err == nil {
		return id
	}
	return ""
}

// PublicKey returns the secp256k1 public key, or nil if the record carries
// none or the key is invalid.
func (r *Record) PublicKey() *ecdsa.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.publicKeyUnlocked()
}

func (r *Record) publicKeyUnlocked() *ecdsa.PublicKey {
	value, exists := r.pairs["secp256k1"]
	if !exists {
		return nil
	}

	keyBytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	key, err := crypto.DecompressPubkey(keyBytes)
	if err != nil {
		return nil
	}

	return key
}

// NodeID returns the 32-byte node ID derived from the public key
// (keccak256 of the uncompressed key without the 0x04 prefix).
//
// Returns nil if the record has no valid public key.
func (r *Record) NodeID() []byte {
	pubKey := r.PublicKey()
	if pubKey == nil {
		return nil
	}

	return crypto.Keccak256(crypto.FromECDSAPub(pubKey)[1:])
}

// Sign signs the record with the provided private key.
//
// The identity scheme is set to "v4" and the compressed public key is
// stored under "secp256k1". Any cached encoding is invalidated.
func (r *Record) Sign(privKey *ecdsa.PrivateKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pairs["id"] = "v4"
	r.pairs["secp256k1"] = crypto.CompressPubkey(&privKey.PublicKey)

	content, err := r.encodeContent()
	if err != nil {
		return fmt.Errorf("enr: failed to encode content: %w", err)
	}

	hash := crypto.Keccak256(content)
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return fmt.Errorf("enr: failed to sign: %w", err)
	}

	// Drop the recovery ID; the public key is carried in the record.
	r.signature = sig[:len(sig)-1]
	r.raw = nil

	return nil
}

// VerifySignature verifies the record's signature against its own public key.
func (r *Record) VerifySignature() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.verifySignature()
}

func (r *Record) verifySignature() bool {
	if len(r.signature) == 0 {
		return false
	}

	pubKey := r.publicKeyUnlocked()
	if pubKey == nil {
		return false
	}

	content, err := r.encodeContent()
	if err != nil {
		return false
	}

	hash := crypto.Keccak256(content)
	return crypto.VerifySignature(crypto.CompressPubkey(pubKey), hash, r.signature)
}

// Size returns the RLP-encoded size of the record in bytes.
func (r *Record) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.raw) > 0 {
		return len(r.raw)
	}

	encoded, err := r.encode()
	if err != nil {
		return 0
	}

	return len(encoded)
}

// encodeContent builds the signed content: [seq, k1, v1, k2, v2, ...] with
// keys in lexicographic order. Caller must hold the lock.
func (r *Record) encodeContent() ([]byte, error) {
	keys := r.sortedKeys()

	content := []interface{}{r.seq}
	for _, k := range keys {
		content = append(content, k, r.pairs[k])
	}

	return rlp.EncodeToBytes(content)
}

// encode builds the full record: [signature, seq, k1, v1, ...].
// Caller must hold the lock.
func (r *Record) encode() ([]byte, error) {
	keys := r.sortedKeys()

	record := []interface{}{r.signature, r.seq}
	for _, k := range keys {
		record = append(record, k, r.pairs[k])
	}

	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return nil, err
	}

	if len(encoded) > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}

	return encoded, nil
}

func (r *Record) sortedKeys() []string {
	keys := make([]string, 0, len(r.pairs))
	for k := range r.pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns a human-readable representation of the record.
func (r *Record) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.sortedKeys()
	return fmt.Sprintf("ENR[seq=%d, keys=%v]", r.seq, keys)
}
