// Package portal implements a content-routing overlay riding on the
// discovery protocol's talk channel under the protocol ID "portal".
//
// Wire format: a one-byte message kind followed by the SSZ encoding of the
// message body.
package portal

import (
	"fmt"

	"github.com/holiman/uint256"
	dynssz "github.com/pk910/dynamic-ssz"
)

// ProtocolID is the talk protocol identifier of the overlay.
var ProtocolID = []byte("portal")

// Message kinds.
const (
	PingKind          byte = 1
	PongKind          byte = 2
	FindNodeKind      byte = 3
	NodesKind         byte = 4
	FindContentKind   byte = 5
	FoundContentKind  byte = 6
	AdvertiseKind     byte = 7
	RequestProofsKind byte = 8
)

// PingMessage announces the sender's record sequence and data radius.
type PingMessage struct {
	ENRSeq     uint64
	DataRadius [32]byte `ssz-size:"32"`
}

// PongMessage answers PingMessage.
type PongMessage struct {
	ENRSeq     uint64
	DataRadius [32]byte `ssz-size:"32"`
}

// FindNodeMessage requests overlay nodes at the given log distances.
type FindNodeMessage struct {
	Distances []uint16 `ssz-max:"256"`
}

// NodesMessage answers FindNodeMessage with encoded ENRs.
type NodesMessage struct {
	Total uint8
	ENRs  [][]byte `ssz-max:"32,300"`
}

// FindContentMessage asks for content by key.
type FindContentMessage struct {
	ContentKey []byte `ssz-max:"2048"`
}

// FoundContentMessage answers FindContentMessage with closer nodes and/or
// the content payload.
type FoundContentMessage struct {
	ENRs    [][]byte `ssz-max:"32,300"`
	Payload []byte   `ssz-max:"65536"`
}

// AdvertiseMessage offers content to the peer.
type AdvertiseMessage struct {
	ContentKeys [][]byte `ssz-max:"64,2048"`
}

// RequestProofsMessage answers AdvertiseMessage with a transfer connection
// ID and the accepted keys.
type RequestProofsMessage struct {
	ConnectionID []byte   `ssz-max:"4"`
	ContentKeys  [][]byte `ssz-max:"32,2048"`
}

// MaxRadius is the data radius covering the whole key space; nodes start
// with it until they prune.
func MaxRadius() *uint256.Int {
	max := uint256.NewInt(0)
	return max.Not(max)
}

// RadiusToBytes converts a radius to its 32-byte little-endian SSZ form.
func RadiusToBytes(r *uint256.Int) [32]byte {
	be := r.Bytes32()

	var le [32]byte
	for i := 0; i < 32; i++ {
		le[i] = be[31-i]
	}
	return le
}

// RadiusFromBytes converts the 32-byte little-endian SSZ form to a radius.
func RadiusFromBytes(b [32]byte) *uint256.Int {
	var be [32]byte
	for i := 0; i < 32; i++ {
		be[i] = b[31-i]
	}
	return new(uint256.Int).SetBytes32(be[:])
}

// EncodeMessage encodes kind byte plus SSZ body.
func EncodeMessage(kind byte, body interface{}) ([]byte, error) {
	ds := dynssz.NewDynSsz(nil)

	encoded, err := ds.MarshalSSZ(body)
	if err != nil {
		return nil, fmt.Errorf("portal: failed to encode message body: %w", err)
	}

	out := make([]byte, 1+len(encoded))
	out[0] = kind
	copy(out[1:], encoded)
	return out, nil
}

// DecodeMessage decodes a tagged wire payload into the message struct for
// its kind.
func DecodeMessage(data []byte) (byte, interface{}, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("portal: empty message")
	}

	kind := data[0]

	var body interface{}
	switch kind {
	case PingKind:
		body = new(PingMessage)
	case PongKind:
		body = new(PongMessage)
	case FindNodeKind:
		body = new(FindNodeMessage)
	case NodesKind:
		body = new(NodesMessage)
	case FindContentKind:
		body = new(FindContentMessage)
	case FoundContentKind:
		body = new(FoundContentMessage)
	case AdvertiseKind:
		body = new(AdvertiseMessage)
	case RequestProofsKind:
		body = new(RequestProofsMessage)
	default:
		return 0, nil, fmt.Errorf("portal: unknown message kind: %d", kind)
	}

	ds := dynssz.NewDynSsz(nil)
	if err := ds.UnmarshalSSZ(body, data[1:]); err != nil {
		return 0, nil, fmt.Errorf("portal: failed to decode message body: %w", err)
	}

	return kind, body, nil
}
