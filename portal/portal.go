package portal

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/bauerj/nim-eth/discv5/node"
	"github.com/bauerj/nim-eth/discv5/protocol"
	"github.com/bauerj/nim-eth/enr"
)

// Transport is the slice of the discovery service the overlay needs.
type Transport interface {
	// TalkRequest sends a talk request and returns the response payload
	TalkRequest(n *node.Node, protoID, payload []byte) ([]byte, error)

	// RegisterTalkProtocol binds the overlay's ingress handler
	RegisterTalkProtocol(protoID []byte, handler protocol.TalkHandler) error

	// LocalNode is our own node; its record answers overlay find-node [0]
	LocalNode() *node.Node
}

// Portal is the overlay client and server.
//
// Outbound calls wrap the talk request primitive and decode the tagged
// response; the ingress handler serves the same message set to peers.
type Portal struct {
	transport Transport

	// dataRadius is the advertised content radius; the full key space
	// until content pruning narrows it
	dataRadius *uint256.Int
	radiusMu   sync.RWMutex

	logger logrus.FieldLogger
}

// New creates the overlay and registers it on the talk channel.
func New(transport Transport, logger logrus.FieldLogger) (*Portal, error) {
	if logger == nil {
		logger = logrus.New()
	}

	p := &Portal{
		transport:  transport,
		dataRadius: MaxRadius(),
		logger:     logger,
	}

	if err := transport.RegisterTalkProtocol(ProtocolID, p.handleRequest); err != nil {
		return nil, err
	}

	return p, nil
}

// DataRadius returns the advertised content radius.
func (p *Portal) DataRadius() *uint256.Int {
	p.radiusMu.RLock()
	defer p.radiusMu.RUnlock()
	return p.dataRadius.Clone()
}

// SetDataRadius updates the advertised content radius.
func (p *Portal) SetDataRadius(r *uint256.Int) {
	p.radiusMu.Lock()
	p.dataRadius = r.Clone()
	p.radiusMu.Unlock()
}

// Ping exchanges record sequence and data radius with a peer.
func (p *Portal) Ping(n *node.Node) (*PongMessage, error) {
	req := &PingMessage{
		ENRSeq:     p.transport.LocalNode().Seq(),
		DataRadius: RadiusToBytes(p.DataRadius()),
	}

	body, err := p.call(n, PingKind, req, PongKind)
	if err != nil {
		return nil, err
	}

	return body.(*PongMessage), nil
}

// FindNodes asks a peer for overlay nodes at the given log distances.
func (p *Portal) FindNodes(n *node.Node, distances []uint16) (*NodesMessage, error) {
	body, err := p.call(n, FindNodeKind, &FindNodeMessage{Distances: distances}, NodesKind)
	if err != nil {
		return nil, err
	}

	return body.(*NodesMessage), nil
}

// FindContent asks a peer for content by key.
func (p *Portal) FindContent(n *node.Node, contentKey []byte) (*FoundContentMessage, error) {
	body, err := p.call(n, FindContentKind, &FindContentMessage{ContentKey: contentKey}, FoundContentKind)
	if err != nil {
		return nil, err
	}

	return body.(*FoundContentMessage), nil
}

// Advertise offers content keys to a peer.
func (p *Portal) Advertise(n *node.Node, contentKeys [][]byte) (*RequestProofsMessage, error) {
	body, err := p.call(n, AdvertiseKind, &AdvertiseMessage{ContentKeys: contentKeys}, RequestProofsKind)
	if err != nil {
		return nil, err
	}

	return body.(*RequestProofsMessage), nil
}

// call runs one overlay request/response exchange, checking that the
// response kind matches the call.
func (p *Portal) call(n *node.Node, reqKind byte, req interface{}, wantKind byte) (interface{}, error) {
	payload, err := EncodeMessage(reqKind, req)
	if err != nil {
		return nil, err
	}

	response, err := p.transport.TalkRequest(n, ProtocolID, payload)
	if err != nil {
		return nil, err
	}

	kind, body, err := DecodeMessage(response)
	if err != nil {
		return nil, err
	}

	if kind != wantKind {
		return nil, fmt.Errorf("portal: response kind %d does not match call (want %d)", kind, wantKind)
	}

	return body, nil
}

// handleRequest serves one ingress overlay request. Undecodable requests
// get an empty payload, which the caller sees as an empty talk response.
func (p *Portal) handleRequest(request []byte) []byte {
	kind, body, err := DecodeMessage(request)
	if err != nil {
		p.logger.WithError(err).Debug("portal: invalid request")
		return []byte{}
	}

	var respKind byte
	var resp interface{}

	switch msg := body.(type) {
	case *PingMessage:
		respKind = PongKind
		resp = &PongMessage{
			ENRSeq:     p.transport.LocalNode().Seq(),
			DataRadius: RadiusToBytes(p.DataRadius()),
		}

	case *FindNodeMessage:
		respKind = NodesKind
		resp = p.serveFindNode(msg)

	case *FindContentMessage:
		// No content store yet; an empty answer tells the peer to keep
		// searching.
		respKind = FoundContentKind
		resp = &FoundContentMessage{ENRs: [][]byte{}, Payload: []byte{}}

	case *AdvertiseMessage:
		respKind = RequestProofsKind
		resp = &RequestProofsMessage{ConnectionID: []byte{}, ContentKeys: [][]byte{}}

	default:
		p.logger.WithField("kind", kind).Debug("portal: unexpected request kind")
		return []byte{}
	}

	encoded, err := EncodeMessage(respKind, resp)
	if err != nil {
		p.logger.WithError(err).Error("portal: failed to encode response")
		return []byte{}
	}

	return encoded
}

// serveFindNode answers an overlay find-node:
//   - no distances: an empty single-fragment answer
//   - distance 0 present: our own record
//   - anything else: empty until the overlay maintains its own table
func (p *Portal) serveFindNode(msg *FindNodeMessage) *NodesMessage {
	result := &NodesMessage{Total: 1, ENRs: [][]byte{}}

	for _, d := range msg.Distances {
		if d == 0 {
			encoded, err := p.transport.LocalNode().Record().EncodeRLP()
			if err != nil {
				p.logger.WithError(err).Warn("portal: failed to encode local record")
				break
			}
			result.ENRs = [][]byte{encoded}
			break
		}
	}

	return result
}

// DecodeENRs decodes the raw records of a nodes or found-content answer.
// Invalid records are skipped.
func DecodeENRs(raw [][]byte) []*enr.Record {
	records := make([]*enr.Record, 0, len(raw))
	for _, data := range raw {
		record, err := enr.Load(data)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records
}
