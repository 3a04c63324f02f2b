// Package protocol implements the discovery v5 wire protocol: the masked
// packet codec, the WHOAREYOU handshake, message types, the request
// registry and the packet handler.
package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/bauerj/nim-eth/discv5/node"
)

// Packet flavor flags, carried in the static header.
const (
	// FlagOrdinary marks an authenticated-encrypted message packet.
	FlagOrdinary byte = 0x00

	// FlagWhoAreYou marks a cleartext handshake challenge.
	FlagWhoAreYou byte = 0x01

	// FlagHandshake marks a message packet carrying handshake authdata.
	FlagHandshake byte = 0x02
)

const (
	// ProtocolID identifies the protocol in the static header.
	ProtocolID = "discv5"

	// ProtocolVersion is the wire protocol version ("discv5.1").
	ProtocolVersion uint16 = 0x0001

	// MaskingIVSize is the length of the header-masking IV.
	MaskingIVSize = 16

	// StaticHeaderSize is the size of the unmasked static header:
	// protocol-id(6) || version(2) || flag(1) || nonce(12) || authsize(2).
	StaticHeaderSize = 23

	// NonceSize is the size of the packet nonce.
	NonceSize = 12

	// WhoAreYouAuthSize is the authdata size of a WHOAREYOU packet:
	// id-nonce(16) || enr-seq(8).
	WhoAreYouAuthSize = 24

	// OrdinaryAuthSize is the authdata size of an ordinary packet: the
	// 32-byte source node ID.
	OrdinaryAuthSize = 32

	// MinPacketSize is the smallest valid packet (a WHOAREYOU).
	MinPacketSize = MaskingIVSize + StaticHeaderSize + WhoAreYouAuthSize

	// MaxPacketSize is the maximum UDP payload: 1280 bytes, the minimum
	// IPv6 MTU, so packets are never fragmented.
	MaxPacketSize = 1280

	// MinMessageSize pads random packets so they cannot be told apart
	// from small encrypted messages by size alone.
	MinMessageSize = 20
)

// Header is the decoded static header shared by all packet flavors.
type Header struct {
	// Flag is the packet flavor
	Flag byte

	// Nonce is the 12-byte packet nonce. For ordinary packets it is the
	// AEAD nonce; for WHOAREYOU it echoes the nonce of the packet being
	// challenged.
	Nonce []byte

	// AuthSize is the length of the authdata section
	AuthSize uint16
}

// Whoareyou is the decoded cleartext challenge of a WHOAREYOU packet.
type Whoareyou struct {
	// RequestNonce is the nonce of the packet that triggered the challenge
	RequestNonce []byte

	// IDNonce is the 16-byte random challenge value
	IDNonce [16]byte

	// RecordSeq is the responder's best-known ENR seq for us (0 = none)
	RecordSeq uint64
}

// HandshakeAuth is the decoded authdata of a handshake packet.
type HandshakeAuth struct {
	// SrcID is the initiator's node ID
	SrcID node.ID

	// Signature is the ID-nonce signature proving key ownership
	Signature []byte

	// EphemeralPubKey is the compressed ephemeral key for ECDH
	EphemeralPubKey []byte

	// Record is the initiator's ENR, present only when the challenge
	// indicated a stale sequence number
	Record []byte
}

// Packet is a decoded inbound packet.
//
// Exactly one of the flavor-specific fields is populated, selected by
// Header.Flag.
type Packet struct {
	// Header is the decoded static header
	Header Header

	// HeaderData is IV || unmasked header || unmasked authdata; used as
	// AEAD additional data and as handshake challenge data
	HeaderData []byte

	// SrcID is the sender's node ID (ordinary and handshake packets)
	SrcID node.ID

	// Message is the (still encrypted) message payload
	Message []byte

	// Challenge is the WHOAREYOU payload
	Challenge *Whoareyou

	// Handshake is the handshake authdata
	Handshake *HandshakeAuth
}

// DecodePacket unmasks and parses a raw UDP payload.
//
// The header and authdata are masked with AES-CTR keyed by the first 16
// bytes of the recipient's node ID, so only the addressed node can even
// parse the packet:
//
//	packet = masking-iv (16) || masked(header || authdata) || message
//
// The message payload is not decrypted here; opening it needs session
// keys the codec does not hold.
func DecodePacket(data []byte, localID node.ID) (*Packet, error) {
	if len(data) < MinPacketSize {
		return nil, fmt.Errorf("packet too short: %d bytes (min %d)", len(data), MinPacketSize)
	}

	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (max %d)", len(data), MaxPacketSize)
	}

	maskingIV := data[0:MaskingIVSize]

	stream, err := maskStream(localID, maskingIV)
	if err != nil {
		return nil, err
	}

	staticHeader := make([]byte, StaticHeaderSize)
	stream.XORKeyStream(staticHeader, data[MaskingIVSize:MaskingIVSize+StaticHeaderSize])

	if string(staticHeader[0:6]) != ProtocolID {
		return nil, fmt.Errorf("invalid protocol ID")
	}

	if version := binary.BigEndian.Uint16(staticHeader[6:8]); version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	header := Header{
		Flag:     staticHeader[8],
		Nonce:    append([]byte(nil), staticHeader[9:21]...),
		AuthSize: binary.BigEndian.Uint16(staticHeader[21:23]),
	}

	authStart := MaskingIVSize + StaticHeaderSize
	authEnd := authStart + int(header.AuthSize)
	if len(data) < authEnd {
		return nil, fmt.Errorf("packet too short for authdata: need %d bytes, have %d", authEnd, len(data))
	}

	authdata := make([]byte, header.AuthSize)
	stream.XORKeyStream(authdata, data[authStart:authEnd])

	// AEAD additional data: IV || unmasked header || unmasked authdata.
	headerData := make([]byte, 0, authEnd)
	headerData = append(headerData, maskingIV...)
	headerData = append(headerData, staticHeader...)
	headerData = append(headerData, authdata...)

	packet := &Packet{
		Header:     header,
		HeaderData: headerData,
	}

	switch header.Flag {
	case FlagOrdinary:
		if header.AuthSize != OrdinaryAuthSize {
			return nil, fmt.Errorf("invalid ordinary authsize: %d", header.AuthSize)
		}
		copy(packet.SrcID[:], authdata)
		packet.Message = data[authEnd:]

	case FlagWhoAreYou:
		if header.AuthSize != WhoAreYouAuthSize {
			return nil, fmt.Errorf("invalid WHOAREYOU authsize: %d", header.AuthSize)
		}
		challenge := &Whoareyou{
			RequestNonce: header.Nonce,
			RecordSeq:    binary.BigEndian.Uint64(authdata[16:24]),
		}
		copy(challenge.IDNonce[:], authdata[0:16])
		packet.Challenge = challenge

	case FlagHandshake:
		auth, err := decodeHandshakeAuth(authdata)
		if err != nil {
			return nil, err
		}
		packet.Handshake = auth
		packet.SrcID = auth.SrcID
		packet.Message = data[authEnd:]

	default:
		return nil, fmt.Errorf("unknown packet flavor: %d", header.Flag)
	}

	return packet, nil
}

// decodeHandshakeAuth parses handshake authdata:
// src-id (32) || sig-size (1) || eph-key-size (1) || signature || eph-pubkey || record?
func decodeHandshakeAuth(authdata []byte) (*HandshakeAuth, error) {
	if len(authdata) < 34 {
		return nil, fmt.Errorf("invalid handshake authsize: %d (minimum 34)", len(authdata))
	}

	sigSize := int(authdata[32])
	ephKeySize := int(authdata[33])

	minSize := 34 + sigSize + ephKeySize
	if len(authdata) < minSize {
		return nil, fmt.Errorf("invalid handshake authsize: %d (expected at least %d)", len(authdata), minSize)
	}

	auth := &HandshakeAuth{
		Signature:       append([]byte(nil), authdata[34:34+sigSize]...),
		EphemeralPubKey: append([]byte(nil), authdata[34+sigSize:minSize]...),
	}
	copy(auth.SrcID[:], authdata[0:32])

	if len(authdata) > minSize {
		auth.Record = append([]byte(nil), authdata[minSize:]...)
	}

	return auth, nil
}

// maskStream creates the AES-CTR keystream masking a packet addressed to
// the given node.
func maskStream(destID node.ID, maskingIV []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(destID[:16])
	if err != nil {
		return nil, fmt.Errorf("failed to create masking cipher: %w", err)
	}
	return cipher.NewCTR(block, maskingIV), nil
}
