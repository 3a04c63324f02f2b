package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/bauerj/nim-eth/crypto"
	"github.com/bauerj/nim-eth/discv5/node"
)

// buildStaticHeader assembles the unmasked 23-byte static header.
func buildStaticHeader(flag byte, nonce []byte, authSize int) []byte {
	header := make([]byte, StaticHeaderSize)
	copy(header[0:6], []byte(ProtocolID))
	binary.BigEndian.PutUint16(header[6:8], ProtocolVersion)
	header[8] = flag
	copy(header[9:21], nonce)
	binary.BigEndian.PutUint16(header[21:23], uint16(authSize))
	return header
}

// headerData concatenates IV || static header || authdata. This is both the
// AEAD additional data and, for WHOAREYOU packets, the handshake challenge
// data the initiator signs.
func headerData(maskingIV, staticHeader, authdata []byte) []byte {
	out := make([]byte, 0, len(maskingIV)+len(staticHeader)+len(authdata))
	out = append(out, maskingIV...)
	out = append(out, staticHeader...)
	out = append(out, authdata...)
	return out
}

// maskPacket assembles the final wire bytes: the IV in clear, header and
// authdata masked with the recipient-keyed CTR stream, payload appended
// untouched.
func maskPacket(destID node.ID, maskingIV, staticHeader, authdata, payload []byte) ([]byte, error) {
	stream, err := maskStream(destID, maskingIV)
	if err != nil {
		return nil, err
	}

	masked := make([]byte, len(staticHeader)+len(authdata))
	copy(masked, staticHeader)
	copy(masked[len(staticHeader):], authdata)
	stream.XORKeyStream(masked, masked)

	packet := make([]byte, 0, len(maskingIV)+len(masked)+len(payload))
	packet = append(packet, maskingIV...)
	packet = append(packet, masked...)
	packet = append(packet, payload...)

	if len(packet) > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (max %d)", len(packet), MaxPacketSize)
	}

	return packet, nil
}

// OrdinaryHeader holds the pieces of an ordinary packet header prepared
// ahead of payload encryption.
type OrdinaryHeader struct {
	// Nonce is the packet nonce, also the AEAD nonce
	Nonce []byte

	// HeaderData is the AEAD additional data
	HeaderData []byte

	maskingIV []byte
	static    []byte
	authdata  []byte
}

// BuildOrdinaryHeader prepares the header of an ordinary packet so the
// caller can encrypt the payload against its HeaderData before assembly.
func BuildOrdinaryHeader(srcID node.ID, nonce []byte) (*OrdinaryHeader, error) {
	maskingIV, err := crypto.GenerateRandomBytes(MaskingIVSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate masking IV: %w", err)
	}

	authdata := srcID[:]
	static := buildStaticHeader(FlagOrdinary, nonce, len(authdata))

	return &OrdinaryHeader{
		Nonce:      nonce,
		HeaderData: headerData(maskingIV, static, authdata),
		maskingIV:  maskingIV,
		static:     static,
		authdata:   authdata,
	}, nil
}

// Seal assembles the final packet around the encrypted payload.
func (h *OrdinaryHeader) Seal(destID node.ID, ciphertext []byte) ([]byte, error) {
	return maskPacket(destID, h.maskingIV, h.static, h.authdata, ciphertext)
}

// EncodeRandomPacket encodes an ordinary-shaped packet with a random nonce
// and random payload.
//
// It is sent when no session exists: the recipient cannot decrypt it and
// answers with a WHOAREYOU challenge carrying the packet's nonce, which
// starts the handshake.
func EncodeRandomPacket(srcID, destID node.ID) ([]byte, []byte, error) {
	nonce, err := crypto.GenerateRandomBytes(NonceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload, err := crypto.GenerateRandomBytes(MinMessageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate padding: %w", err)
	}

	header, err := BuildOrdinaryHeader(srcID, nonce)
	if err != nil {
		return nil, nil, err
	}

	packet, err := header.Seal(destID, payload)
	if err != nil {
		return nil, nil, err
	}

	return packet, nonce, nil
}

// EncodeWhoareyouPacket encodes a WHOAREYOU challenge.
//
// The header nonce echoes the request nonce of the packet being challenged;
// the authdata carries the id-nonce and our best-known record sequence for
// the peer.
//
// Returns the wire bytes and the challenge data (IV || header || authdata)
// the handshake signature will be verified against.
func EncodeWhoareyouPacket(destID node.ID, challenge *Whoareyou) ([]byte, []byte, error) {
	maskingIV, err := crypto.GenerateRandomBytes(MaskingIVSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate masking IV: %w", err)
	}

	authdata := make([]byte, WhoAreYouAuthSize)
	copy(authdata[0:16], challenge.IDNonce[:])
	binary.BigEndian.PutUint64(authdata[16:24], challenge.RecordSeq)

	static := buildStaticHeader(FlagWhoAreYou, challenge.RequestNonce, len(authdata))

	packet, err := maskPacket(destID, maskingIV, static, authdata, nil)
	if err != nil {
		return nil, nil, err
	}

	return packet, headerData(maskingIV, static, authdata), nil
}

// HandshakeHeader holds the pieces of a handshake packet header prepared
// ahead of payload encryption.
type HandshakeHeader struct {
	// Nonce is the packet nonce, also the AEAD nonce
	Nonce []byte

	// HeaderData is the AEAD additional data
	HeaderData []byte

	maskingIV []byte
	static    []byte
	authdata  []byte
}

// BuildHandshakeHeader prepares the header of a handshake packet:
// authdata = src-id || sig-size || eph-key-size || signature || eph-pubkey || record?
func BuildHandshakeHeader(srcID node.ID, nonce, signature, ephPubkey, record []byte) (*HandshakeHeader, error) {
	maskingIV, err := crypto.GenerateRandomBytes(MaskingIVSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate masking IV: %w", err)
	}

	authdata := make([]byte, 0, 34+len(signature)+len(ephPubkey)+len(record))
	authdata = append(authdata, srcID[:]...)
	authdata = append(authdata, byte(len(signature)))
	authdata = append(authdata, byte(len(ephPubkey)))
	authdata = append(authdata, signature...)
	authdata = append(authdata, ephPubkey...)
	authdata = append(authdata, record...)

	static := buildStaticHeader(FlagHandshake, nonce, len(authdata))

	return &HandshakeHeader{
		Nonce:      nonce,
		HeaderData: headerData(maskingIV, static, authdata),
		maskingIV:  maskingIV,
		static:     static,
		authdata:   authdata,
	}, nil
}

// Seal assembles the final packet around the encrypted payload.
func (h *HandshakeHeader) Seal(destID node.ID, ciphertext []byte) ([]byte, error) {
	return maskPacket(destID, h.maskingIV, h.static, h.authdata, ciphertext)
}
