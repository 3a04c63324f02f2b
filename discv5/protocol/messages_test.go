package protocol

import (
	"bytes"
	"net"
	"reflect"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/bauerj/nim-eth/enr"
)

func TestMessageRoundTrip(t *testing.T) {
	privKey, _ := ethcrypto.GenerateKey()
	record, err := enr.CreateSignedRecord(
		privKey,
		"ip", net.IPv4(10, 0, 0, 1),
		"udp", uint16(30303),
	)
	if err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}

	reqID := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	messages := []Message{
		&Ping{RequestID: reqID, ENRSeq: 9},
		&Pong{RequestID: reqID, ENRSeq: 9, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 30303},
		&FindNode{RequestID: reqID, Distances: []uint{254, 255, 256}},
		&Nodes{RequestID: reqID, Total: 2, Records: []*enr.Record{record}},
		&TalkReq{RequestID: reqID, Protocol: []byte("portal"), Request: []byte{0xAA}},
		&TalkResp{RequestID: reqID, Response: []byte{0xBB}},
		&TopicQuery{RequestID: reqID, Topic: []byte("topic")},
	}

	for _, msg := range messages {
		encoded, err := EncodeMessage(msg)
		if err != nil {
			t.Fatalf("EncodeMessage(%T) failed: %v", msg, err)
		}

		if encoded[0] != msg.Kind() {
			t.Errorf("%T: kind byte = %d, want %d", msg, encoded[0], msg.Kind())
		}

		decoded, err := DecodeMessage(encoded)
		if err != nil {
			t.Fatalf("DecodeMessage(%T) failed: %v", msg, err)
		}

		if reflect.TypeOf(decoded) != reflect.TypeOf(msg) {
			t.Fatalf("decoded type = %T, want %T", decoded, msg)
		}

		if !bytes.Equal(decoded.RequestIDBytes(), reqID) {
			t.Errorf("%T: request ID not preserved", msg)
		}
	}
}

func TestNodesRecordRoundTrip(t *testing.T) {
	privKey, _ := ethcrypto.GenerateKey()
	record, _ := enr.CreateSignedRecord(
		privKey,
		"ip", net.IPv4(10, 0, 0, 2),
		"udp", uint16(30304),
	)

	msg := &Nodes{RequestID: []byte{1}, Total: 1, Records: []*enr.Record{record}}

	encoded, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}

	nodes := decoded.(*Nodes)
	if len(nodes.Records) != 1 {
		t.Fatalf("decoded %d records, want 1", len(nodes.Records))
	}

	got := nodes.Records[0]
	if got.UDP() != 30304 {
		t.Errorf("record UDP = %d, want 30304", got.UDP())
	}
	if !got.VerifySignature() {
		t.Error("record signature lost in round trip")
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	if _, err := DecodeMessage(nil); err == nil {
		t.Error("empty plaintext should fail")
	}

	if _, err := DecodeMessage([]byte{0xFF, 0x01}); err == nil {
		t.Error("unknown message type should fail")
	}

	if _, err := DecodeMessage([]byte{PingMsg, 0xFF, 0xFF}); err == nil {
		t.Error("malformed RLP body should fail")
	}
}
