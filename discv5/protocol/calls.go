package protocol

import (
	"fmt"
	"time"

	"github.com/bauerj/nim-eth/discv5/metrics"
	"github.com/bauerj/nim-eth/discv5/node"
	"github.com/bauerj/nim-eth/enr"
)

// The request primitives share one contract: encode, register, send, await
// the typed response. A matching response promotes the peer to the head of
// its bucket; a timeout or a wrong-kind response demotes it — except for
// bootstrap nodes, which only get logged.

// Ping sends a PING and waits for the PONG.
//
// Returns the PONG, which carries our address as the peer observed it, and
// the measured round-trip time.
func (h *Handler) Ping(n *node.Node) (*Pong, time.Duration, error) {
	reqID, err := NewRequestID()
	if err != nil {
		return nil, 0, err
	}

	ch := h.requests.Await(n.ID(), reqID)
	defer h.requests.Cancel(n.ID(), reqID)

	sentAt := time.Now()

	ping := &Ping{RequestID: reqID, ENRSeq: h.localNode.Record().Seq()}
	if err := h.sendRequest(n, ping); err != nil {
		return nil, 0, err
	}

	msg, ok := <-ch
	if !ok {
		h.requestFailed(n, metrics.OutcomeTimeout)
		return nil, 0, ErrTimeout
	}

	pong, ok := msg.(*Pong)
	if !ok {
		h.requestFailed(n, metrics.OutcomeMismatch)
		return nil, 0, fmt.Errorf("%w: got kind %d, want PONG", ErrMismatch, msg.Kind())
	}

	rtt := time.Since(sentAt)
	h.requestSucceeded(n)
	n.UpdateRTT(rtt)

	return pong, rtt, nil
}

// FindNode sends a FINDNODE for the given distances and collects the NODES
// fragments.
//
// Fragments are accumulated until the advertised total arrives. If the
// stream dries up mid-response, the fragments received so far are returned
// successfully: a partial answer still advances a lookup, and callers
// dedupe. Record verification is the caller's job.
func (h *Handler) FindNode(n *node.Node, distances []uint) ([]*enr.Record, error) {
	reqID, err := NewRequestID()
	if err != nil {
		return nil, err
	}

	ch := h.requests.Await(n.ID(), reqID)
	defer h.requests.Cancel(n.ID(), reqID)

	findNode := &FindNode{RequestID: reqID, Distances: distances}
	if err := h.sendRequest(n, findNode); err != nil {
		return nil, err
	}

	var records []*enr.Record
	total := uint(1)
	received := uint(0)

	for received < total {
		msg, ok := <-ch
		if !ok {
			if received > 0 {
				// Partial response; what arrived is still useful.
				h.requestSucceeded(n)
				return records, nil
			}
			h.requestFailed(n, metrics.OutcomeTimeout)
			return nil, ErrTimeout
		}

		nodes, ok := msg.(*Nodes)
		if !ok {
			h.requestFailed(n, metrics.OutcomeMismatch)
			return nil, fmt.Errorf("%w: got kind %d, want NODES", ErrMismatch, msg.Kind())
		}

		if received == 0 {
			total = nodes.Total
			if total < 1 {
				total = 1
			}
			// A fragment count beyond the result limit is nonsense;
			// clamp it so a hostile peer cannot pin the call open.
			if total > FindNodeResultLimit {
				total = FindNodeResultLimit
			}
		}

		records = append(records, nodes.Records...)
		received++

		if len(records) >= FindNodeResultLimit {
			records = records[:FindNodeResultLimit]
			break
		}
	}

	h.requestSucceeded(n)
	return records, nil
}

// RequestENR fetches the peer's current record via FINDNODE [0].
func (h *Handler) RequestENR(n *node.Node) (*enr.Record, error) {
	records, err := h.FindNode(n, []uint{0})
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("peer returned no record")
	}

	record := records[0]
	if node.PubkeyToID(record.PublicKey()) != n.ID() {
		return nil, fmt.Errorf("record does not match peer identity")
	}

	return record, nil
}

// TalkRequest sends a sub-protocol request and waits for the response
// payload.
func (h *Handler) TalkRequest(n *node.Node, protoID, request []byte) ([]byte, error) {
	reqID, err := NewRequestID()
	if err != nil {
		return nil, err
	}

	ch := h.requests.Await(n.ID(), reqID)
	defer h.requests.Cancel(n.ID(), reqID)

	talkReq := &TalkReq{RequestID: reqID, Protocol: protoID, Request: request}
	if err := h.sendRequest(n, talkReq); err != nil {
		return nil, err
	}

	msg, ok := <-ch
	if !ok {
		h.requestFailed(n, metrics.OutcomeTimeout)
		return nil, ErrTimeout
	}

	resp, ok := msg.(*TalkResp)
	if !ok {
		h.requestFailed(n, metrics.OutcomeMismatch)
		return nil, fmt.Errorf("%w: got kind %d, want TALKRESP", ErrMismatch, msg.Kind())
	}

	h.requestSucceeded(n)
	return resp.Response, nil
}

func (h *Handler) requestSucceeded(n *node.Node) {
	metrics.MessageRequestsOutgoing.WithLabelValues(metrics.OutcomeReceived).Inc()
	n.ResetFailureCount()
	h.table.SetJustSeen(n)
}

func (h *Handler) requestFailed(n *node.Node, outcome string) {
	metrics.MessageRequestsOutgoing.WithLabelValues(outcome).Inc()
	n.IncrementFailureCount()

	if n.IsBootstrap() {
		h.logger.WithField("peerID", n.PeerID()).Debug("bootstrap node unresponsive, keeping")
		return
	}

	h.table.ReplaceNode(n)
}
