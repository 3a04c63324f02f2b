package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/bauerj/nim-eth/crypto"
	"github.com/bauerj/nim-eth/enr"
)

// Message type identifiers.
const (
	// PingMsg checks whether a node is alive.
	PingMsg byte = 0x01

	// PongMsg answers PING, echoing the sender's address as observed.
	PongMsg byte = 0x02

	// FindNodeMsg requests nodes at given log distances.
	FindNodeMsg byte = 0x03

	// NodesMsg answers FINDNODE with a batch of ENR records.
	NodesMsg byte = 0x04

	// TalkReqMsg carries an application sub-protocol request.
	TalkReqMsg byte = 0x05

	// TalkRespMsg answers TALKREQ.
	TalkRespMsg byte = 0x06

	// RegTopicMsg registers interest in a topic (accepted, not implemented).
	RegTopicMsg byte = 0x07

	// TopicQueryMsg queries a topic (accepted, not implemented).
	TopicQueryMsg byte = 0x0A
)

// Message is implemented by all protocol messages.
type Message interface {
	// Kind returns the message type byte
	Kind() byte

	// RequestIDBytes returns the request ID correlating the message with
	// its request or response
	RequestIDBytes() []byte
}

// Ping checks liveness. Format: [request-id, enr-seq].
type Ping struct {
	RequestID []byte

	// ENRSeq is the sender's current record sequence number
	ENRSeq uint64
}

func (p *Ping) Kind() byte             { return PingMsg }
func (p *Ping) RequestIDBytes() []byte { return p.RequestID }

// Pong answers Ping. Format: [request-id, enr-seq, ip, port].
//
// IP and Port are the requester's UDP endpoint as observed by the
// responder; they feed the external-address vote.
type Pong struct {
	RequestID []byte
	ENRSeq    uint64
	IP        []byte
	Port      uint16
}

func (p *Pong) Kind() byte             { return PongMsg }
func (p *Pong) RequestIDBytes() []byte { return p.RequestID }

// FindNode requests nodes at the given log distances.
// Format: [request-id, [d1, d2, ...]].
//
// The special distance list [0] requests the responder's own record.
type FindNode struct {
	RequestID []byte
	Distances []uint
}

func (f *FindNode) Kind() byte             { return FindNodeMsg }
func (f *FindNode) RequestIDBytes() []byte { return f.RequestID }

// Nodes answers FindNode. Format: [request-id, total, [enr1, enr2, ...]].
//
// Large responses are fragmented into several Nodes messages sharing the
// request ID; Total carries the fragment count.
type Nodes struct {
	RequestID []byte
	Total     uint
	Records   []*enr.Record
}

func (n *Nodes) Kind() byte             { return NodesMsg }
func (n *Nodes) RequestIDBytes() []byte { return n.RequestID }

// TalkReq carries a sub-protocol request.
// Format: [request-id, protocol, request].
type TalkReq struct {
	RequestID []byte
	Protocol  []byte
	Request   []byte
}

func (t *TalkReq) Kind() byte             { return TalkReqMsg }
func (t *TalkReq) RequestIDBytes() []byte { return t.RequestID }

// TalkResp answers TalkReq. Format: [request-id, response].
type TalkResp struct {
	RequestID []byte
	Response  []byte
}

func (t *TalkResp) Kind() byte             { return TalkRespMsg }
func (t *TalkResp) RequestIDBytes() []byte { return t.RequestID }

// RegTopic registers interest in a topic.
// Format: [request-id, topic, enr, ticket]. Decoded and counted, otherwise
// ignored.
type RegTopic struct {
	RequestID []byte
	Topic     []byte
	ENR       rlp.RawValue
	Ticket    []byte
}

func (r *RegTopic) Kind() byte             { return RegTopicMsg }
func (r *RegTopic) RequestIDBytes() []byte { return r.RequestID }

// TopicQuery queries a topic. Format: [request-id, topic]. Decoded and
// counted, otherwise ignored.
type TopicQuery struct {
	RequestID []byte
	Topic     []byte
}

func (t *TopicQuery) Kind() byte             { return TopicQueryMsg }
func (t *TopicQuery) RequestIDBytes() []byte { return t.RequestID }

// EncodeMessage encodes a message as plaintext for an ordinary packet:
// one type byte followed by the RLP body.
func EncodeMessage(msg Message) ([]byte, error) {
	var body interface{}

	switch m := msg.(type) {
	case *Ping:
		body = []interface{}{m.RequestID, m.ENRSeq}
	case *Pong:
		body = []interface{}{m.RequestID, m.ENRSeq, m.IP, m.Port}
	case *FindNode:
		body = []interface{}{m.RequestID, m.Distances}
	case *Nodes:
		records := make([]interface{}, len(m.Records))
		for i, record := range m.Records {
			encoded, err := record.EncodeRLP()
			if err != nil {
				return nil, fmt.Errorf("failed to encode ENR %d: %w", i, err)
			}
			// Already-encoded RLP; RawValue prevents double encoding.
			records[i] = rlp.RawValue(encoded)
		}
		body = []interface{}{m.RequestID, m.Total, records}
	case *TalkReq:
		body = []interface{}{m.RequestID, m.Protocol, m.Request}
	case *TalkResp:
		body = []interface{}{m.RequestID, m.Response}
	case *RegTopic:
		body = []interface{}{m.RequestID, m.Topic, m.ENR, m.Ticket}
	case *TopicQuery:
		body = []interface{}{m.RequestID, m.Topic}
	default:
		return nil, fmt.Errorf("unknown message type %T", msg)
	}

	encoded, err := rlp.EncodeToBytes(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	plaintext := make([]byte, 1+len(encoded))
	plaintext[0] = msg.Kind()
	copy(plaintext[1:], encoded)

	return plaintext, nil
}

// DecodeMessage decodes ordinary-packet plaintext into a message.
func DecodeMessage(plaintext []byte) (Message, error) {
	if len(plaintext) < 1 {
		return nil, fmt.Errorf("message too short")
	}

	var msg Message
	switch plaintext[0] {
	case PingMsg:
		msg = new(Ping)
	case PongMsg:
		msg = new(Pong)
	case FindNodeMsg:
		msg = new(FindNode)
	case NodesMsg:
		msg = new(Nodes)
	case TalkReqMsg:
		msg = new(TalkReq)
	case TalkRespMsg:
		msg = new(TalkResp)
	case RegTopicMsg:
		msg = new(RegTopic)
	case TopicQueryMsg:
		msg = new(TopicQuery)
	default:
		return nil, fmt.Errorf("unknown message type: %d", plaintext[0])
	}

	if err := rlp.DecodeBytes(plaintext[1:], msg); err != nil {
		return nil, fmt.Errorf("failed to decode message body: %w", err)
	}

	return msg, nil
}

// NewRequestID generates a random 8-byte request ID.
func NewRequestID() ([]byte, error) {
	requestID, err := crypto.GenerateRandomBytes(8)
	if err != nil {
		return nil, fmt.Errorf("failed to generate request ID: %w", err)
	}
	return requestID, nil
}
