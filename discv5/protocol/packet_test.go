package protocol

import (
	"bytes"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/bauerj/nim-eth/crypto"
	"github.com/bauerj/nim-eth/discv5/node"
	"github.com/bauerj/nim-eth/discv5/session"
)

func testIDs(t *testing.T) (node.ID, node.ID) {
	t.Helper()

	keyA, _ := ethcrypto.GenerateKey()
	keyB, _ := ethcrypto.GenerateKey()
	return node.PubkeyToID(&keyA.PublicKey), node.PubkeyToID(&keyB.PublicKey)
}

func TestRandomPacketRoundTrip(t *testing.T) {
	srcID, destID := testIDs(t)

	data, nonce, err := EncodeRandomPacket(srcID, destID)
	if err != nil {
		t.Fatalf("EncodeRandomPacket failed: %v", err)
	}

	packet, err := DecodePacket(data, destID)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}

	if packet.Header.Flag != FlagOrdinary {
		t.Errorf("flag = %d, want ordinary", packet.Header.Flag)
	}

	if packet.SrcID != srcID {
		t.Error("source ID mismatch")
	}

	if !bytes.Equal(packet.Header.Nonce, nonce) {
		t.Error("nonce mismatch")
	}

	if len(packet.Message) != MinMessageSize {
		t.Errorf("message length = %d, want %d", len(packet.Message), MinMessageSize)
	}
}

func TestPacketWrongRecipient(t *testing.T) {
	srcID, destID := testIDs(t)

	data, _, err := EncodeRandomPacket(srcID, destID)
	if err != nil {
		t.Fatalf("EncodeRandomPacket failed: %v", err)
	}

	// A third party unmasking with its own ID must not see a valid header.
	_, otherID := testIDs(t)
	if _, err := DecodePacket(data, otherID); err == nil {
		t.Error("packet decoded with wrong recipient ID")
	}
}

func TestWhoareyouRoundTrip(t *testing.T) {
	_, destID := testIDs(t)

	requestNonce, _ := crypto.GenerateRandomBytes(NonceSize)
	challenge := &Whoareyou{
		RequestNonce: requestNonce,
		RecordSeq:    7,
	}
	copy(challenge.IDNonce[:], []byte("0123456789abcdef"))

	data, challengeData, err := EncodeWhoareyouPacket(destID, challenge)
	if err != nil {
		t.Fatalf("EncodeWhoareyouPacket failed: %v", err)
	}

	packet, err := DecodePacket(data, destID)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}

	if packet.Header.Flag != FlagWhoAreYou {
		t.Fatalf("flag = %d, want WHOAREYOU", packet.Header.Flag)
	}

	got := packet.Challenge
	if !bytes.Equal(got.RequestNonce, requestNonce) {
		t.Error("request nonce mismatch")
	}
	if got.IDNonce != challenge.IDNonce {
		t.Error("id nonce mismatch")
	}
	if got.RecordSeq != 7 {
		t.Errorf("record seq = %d, want 7", got.RecordSeq)
	}

	// The decoder's HeaderData must equal the encoder's challenge data;
	// both sides sign/verify over these bytes.
	if !bytes.Equal(packet.HeaderData, challengeData) {
		t.Error("challenge data mismatch between encoder and decoder")
	}
}

func TestOrdinaryPacketRoundTrip(t *testing.T) {
	srcID, destID := testIDs(t)

	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}

	msg := &Ping{RequestID: []byte{1, 2, 3, 4, 5, 6, 7, 8}, ENRSeq: 42}
	plaintext, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	nonce, _ := crypto.GenerateRandomBytes(NonceSize)

	header, err := BuildOrdinaryHeader(srcID, nonce)
	if err != nil {
		t.Fatalf("BuildOrdinaryHeader failed: %v", err)
	}

	ciphertext, err := session.EncryptMessage(key, nonce, header.HeaderData, plaintext)
	if err != nil {
		t.Fatalf("EncryptMessage failed: %v", err)
	}

	data, err := header.Seal(destID, ciphertext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	packet, err := DecodePacket(data, destID)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}

	if packet.SrcID != srcID {
		t.Error("source ID mismatch")
	}

	decrypted, err := session.DecryptMessage(key, packet.Header.Nonce, packet.HeaderData, packet.Message)
	if err != nil {
		t.Fatalf("DecryptMessage failed: %v", err)
	}

	decoded, err := DecodeMessage(decrypted)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}

	ping, ok := decoded.(*Ping)
	if !ok {
		t.Fatalf("decoded type = %T, want *Ping", decoded)
	}

	if ping.ENRSeq != 42 || !bytes.Equal(ping.RequestID, msg.RequestID) {
		t.Error("decoded PING does not match original")
	}
}

func TestHandshakePacketRoundTrip(t *testing.T) {
	initKey, _ := ethcrypto.GenerateKey()
	recipKey, _ := ethcrypto.GenerateKey()
	initID := node.PubkeyToID(&initKey.PublicKey)
	recipID := node.PubkeyToID(&recipKey.PublicKey)

	// Recipient issues the challenge.
	requestNonce, _ := crypto.GenerateRandomBytes(NonceSize)
	challenge := &Whoareyou{RequestNonce: requestNonce}
	copy(challenge.IDNonce[:], []byte("fedcba9876543210"))

	_, challengeData, err := EncodeWhoareyouPacket(initID, challenge)
	if err != nil {
		t.Fatalf("EncodeWhoareyouPacket failed: %v", err)
	}

	// Initiator answers: ephemeral key, signature, derived keys.
	ephKey, _ := ethcrypto.GenerateKey()
	ephPubkey := ethcrypto.CompressPubkey(&ephKey.PublicKey)

	signature, err := makeIDSignature(initKey, challengeData, ephPubkey, recipID)
	if err != nil {
		t.Fatalf("makeIDSignature failed: %v", err)
	}

	initKeys, err := session.DeriveKeys(ephKey, &recipKey.PublicKey, initID, recipID, challengeData)
	if err != nil {
		t.Fatalf("initiator DeriveKeys failed: %v", err)
	}

	msg := &Ping{RequestID: []byte{9, 9, 9, 9, 9, 9, 9, 9}, ENRSeq: 1}
	plaintext, _ := EncodeMessage(msg)

	nonce, _ := crypto.GenerateRandomBytes(NonceSize)
	header, err := BuildHandshakeHeader(initID, nonce, signature, ephPubkey, nil)
	if err != nil {
		t.Fatalf("BuildHandshakeHeader failed: %v", err)
	}

	ciphertext, err := session.EncryptMessage(initKeys.InitiatorKey, nonce, header.HeaderData, plaintext)
	if err != nil {
		t.Fatalf("EncryptMessage failed: %v", err)
	}

	data, err := header.Seal(recipID, ciphertext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	// Recipient decodes, verifies and decrypts.
	packet, err := DecodePacket(data, recipID)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}

	if packet.Header.Flag != FlagHandshake {
		t.Fatalf("flag = %d, want handshake", packet.Header.Flag)
	}

	auth := packet.Handshake
	if auth.SrcID != initID {
		t.Error("handshake source ID mismatch")
	}

	if !verifyIDSignature(&initKey.PublicKey, auth.Signature, challengeData, auth.EphemeralPubKey, recipID) {
		t.Error("handshake signature verification failed")
	}

	// Wrong destination ID must not verify.
	if verifyIDSignature(&initKey.PublicKey, auth.Signature, challengeData, auth.EphemeralPubKey, initID) {
		t.Error("handshake signature verified against wrong destination")
	}

	ephPub, err := crypto.DecompressPubkey(auth.EphemeralPubKey)
	if err != nil {
		t.Fatalf("DecompressPubkey failed: %v", err)
	}

	recipKeys, err := session.DeriveKeys(recipKey, ephPub, initID, recipID, challengeData)
	if err != nil {
		t.Fatalf("recipient DeriveKeys failed: %v", err)
	}

	decrypted, err := session.DecryptMessage(recipKeys.InitiatorKey, packet.Header.Nonce, packet.HeaderData, packet.Message)
	if err != nil {
		t.Fatalf("recipient failed to decrypt handshake message: %v", err)
	}

	decoded, err := DecodeMessage(decrypted)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}

	if decoded.(*Ping).ENRSeq != 1 {
		t.Error("embedded message mismatch")
	}
}

func TestDecodeGarbage(t *testing.T) {
	_, destID := testIDs(t)

	if _, err := DecodePacket([]byte("short"), destID); err == nil {
		t.Error("short packet should fail to decode")
	}

	junk := make([]byte, 100)
	if _, err := DecodePacket(junk, destID); err == nil {
		t.Error("junk packet should fail to decode")
	}
}
