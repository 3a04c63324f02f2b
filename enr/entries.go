package enr

import (
	"crypto/ecdsa"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/crypto"
)

// WithIP sets the IPv4 address in the record.
func WithIP(ip net.IP) (string, interface{}) {
	return "ip", ip.To4()
}

// WithIP6 sets the IPv6 address in the record.
func WithIP6(ip net.IP) (string, interface{}) {
	return "ip6", ip.To16()
}

// WithUDP sets the UDP port in the record.
func WithUDP(port uint16) (string, interface{}) {
	return "udp", port
}

// WithTCP sets the TCP port in the record.
func WithTCP(port uint16) (string, interface{}) {
	return "tcp", port
}

// WithPublicKey sets the compressed secp256k1 public key in the record.
func WithPublicKey(pubKey *ecdsa.PublicKey) (string, interface{}) {
	return "secp256k1", crypto.CompressPubkey(pubKey)
}

// NewRecord creates a record from alternating key, value entries.
//
// Example:
//
//	record, err := enr.NewRecord(
//	    "ip", net.IPv4(192, 168, 1, 1),
//	    "udp", uint16(9000),
//	)
func NewRecord(entries ...interface{}) (*Record, error) {
	if len(entries)%2 != 0 {
		return nil, fmt.Errorf("enr: odd number of entries")
	}

	record := New()
	for i := 0; i < len(entries); i += 2 {
		key, ok := entries[i].(string)
		if !ok {
			return nil, fmt.Errorf("enr: entry key at index %d is not a string", i)
		}
		if err := record.Set(key, entries[i+1]); err != nil {
			return nil, err
		}
	}

	return record, nil
}

// CreateSignedRecord creates and signs a new record with the given entries.
//
// Example:
//
//	privKey, _ := crypto.GenerateKey()
//	record, err := enr.CreateSignedRecord(
//	    privKey,
//	    "ip", net.IPv4(127, 0, 0, 1),
//	    "udp", uint16(9000),
//	)
func CreateSignedRecord(privKey *ecdsa.PrivateKey, entries ...interface{}) (*Record, error) {
	record, err := NewRecord(entries...)
	if err != nil {
		return nil, err
	}

	if err := record.Sign(privKey); err != nil {
		return nil, err
	}

	return record, nil
}

// UpdateRecord creates an updated version of an existing record.
//
// The new record has an incremented sequence number, all entries from the
// old record overlaid with the provided entries, and a fresh signature.
func UpdateRecord(old *Record, privKey *ecdsa.PrivateKey, entries ...interface{}) (*Record, error) {
	if len(entries)%2 != 0 {
		return nil, fmt.Errorf("enr: odd number of entries")
	}

	record := New()
	record.SetSeq(old.Seq() + 1)

	for key, value := range old.Pairs() {
		if err := record.Set(key, value); err != nil {
			return nil, err
		}
	}

	for i := 0; i < len(entries); i += 2 {
		key, ok := entries[i].(string)
		if !ok {
			return nil, fmt.Errorf("enr: entry key at index %d is not a string", i)
		}
		if err := record.Set(key, entries[i+1]); err != nil {
			return nil, err
		}
	}

	if err := record.Sign(privKey); err != nil {
		return nil, err
	}

	return record, nil
}
