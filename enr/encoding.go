package enr

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
)

// EncodeRLP returns the RLP encoding of the record:
// [signature, seq, k1, v1, k2, v2, ...] with keys sorted lexicographically.
//
// The encoding is cached; the cache is invalidated by Set/SetSeq/Sign.
// Returns ErrRecordTooLarge if the encoding exceeds MaxRecordSize.
func (r *Record) EncodeRLP() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.raw) > 0 {
		return r.raw, nil
	}

	encoded, err := r.encode()
	if err != nil {
		return nil, err
	}

	r.raw = encoded
	return encoded, nil
}

// DecodeRLPBytes decodes an RLP-encoded record and verifies its signature.
//
// Returns ErrInvalidSignature if verification fails.
func (r *Record) DecodeRLPBytes(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var items []interface{}
	if err := rlp.DecodeBytes(data, &items); err != nil {
		return fmt.Errorf("enr: failed to decode RLP: %w", err)
	}

	// At least [signature, seq], then complete key-value pairs.
	if len(items) < 2 || (len(items)-2)%2 != 0 {
		return ErrInvalidRecord
	}

	sigBytes, ok := items[0].([]byte)
	if !ok {
		return fmt.Errorf("enr: invalid signature type")
	}
	r.signature = sigBytes

	seqBytes, ok := items[1].([]byte)
	if !ok {
		return fmt.Errorf("enr: invalid sequence number type")
	}
	r.seq = bytesToUint64(seqBytes)

	r.pairs = make(map[string]interface{})
	for i := 2; i < len(items); i += 2 {
		keyBytes, ok := items[i].([]byte)
		if !ok {
			return fmt.Errorf("enr: invalid key type at index %d", i)
		}
		r.pairs[string(keyBytes)] = items[i+1]
	}

	if !r.verifySignature() {
		return ErrInvalidSignature
	}

	r.raw = data
	return nil
}

// DecodeRLP implements the rlp.Decoder interface so records embedded in
// other structures (NODES messages) decode automatically.
func (r *Record) DecodeRLP(s *rlp.Stream) error {
	raw, err := s.Raw()
	if err != nil {
		if err == rlp.EOL || err == io.EOF {
			return rlp.EOL
		}
		return err
	}

	return r.DecodeRLPBytes(raw)
}

// EncodeBase64 encodes the record in the textual "enr:" form
// (URL-safe base64 without padding).
func (r *Record) EncodeBase64() (string, error) {
	encoded, err := r.EncodeRLP()
	if err != nil {
		return "", err
	}

	return "enr:" + base64.RawURLEncoding.EncodeToString(encoded), nil
}

// DecodeBase64 decodes a textual "enr:..." record.
func DecodeBase64(input string) (*Record, error) {
	if !strings.HasPrefix(input, "enr:") {
		return nil, fmt.Errorf("enr: invalid format, expected 'enr:' prefix")
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(input, "enr:"))
	if err != nil {
		return nil, fmt.Errorf("enr: failed to decode base64: %w", err)
	}

	return Load(data)
}

// Load decodes a record from an RLP-encoded byte slice.
func Load(data []byte) (*Record, error) {
	record := New()
	if err := record.DecodeRLPBytes(data); err != nil {
		return nil, err
	}
	return record, nil
}

// bytesToUint64 converts a big-endian byte slice to uint64.
func bytesToUint64(b []byte) uint64 {
	var result uint64
	for _, v := range b {
		result = (result << 8) | uint64(v)
	}
	return result
}
