package protocol

import (
	"sync"
	"time"

	"github.com/bauerj/nim-eth/discv5/node"
)

// DefaultResponseTimeout is how long a request waits for its response.
const DefaultResponseTimeout = 4 * time.Second

// awaitBuffer is the channel capacity of an awaited-response slot; large
// enough for the fragments of a maximal NODES response.
const awaitBuffer = 8

// PendingRequest is an outbound request awaiting any response, indexed by
// the nonce of the packet that carried it. It is what a WHOAREYOU
// challenge — which echoes that nonce — resolves against.
type PendingRequest struct {
	// Node is the request's destination
	Node *node.Node

	// Message is the original message, re-sent inside the handshake packet
	// once the challenge is answered
	Message Message

	// SentAt is when the request left
	SentAt time.Time
}

// AwaitKey indexes an awaited typed response by peer and request ID.
type AwaitKey struct {
	ID    node.ID
	ReqID string
}

type awaitSlot struct {
	ch    chan Message
	timer *time.Timer
}

// Registry correlates outbound requests with inbound responses.
//
// Two tables:
//   - pending, by packet nonce: answers WHOAREYOU challenges
//   - awaited, by (peer, request ID): a rendezvous the caller reads typed
//     responses from
//
// Both are bounded by construction: every entry expires after the response
// timeout, so the tables never grow past the number of requests issued per
// timeout window.
type Registry struct {
	// pending maps packet nonces to in-flight requests
	pending map[string]*PendingRequest

	// awaited maps (peer, reqID) to response slots
	awaited map[AwaitKey]*awaitSlot

	// timeout bounds the lifetime of entries in both tables
	timeout time.Duration

	mu sync.Mutex
}

// NewRegistry creates a request registry
// (timeout 0 = DefaultResponseTimeout).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}

	return &Registry{
		pending: make(map[string]*PendingRequest),
		awaited: make(map[AwaitKey]*awaitSlot),
		timeout: timeout,
	}
}

// RegisterPending records an in-flight request under the nonce of the
// packet that carried it. The entry expires after the response timeout.
func (r *Registry) RegisterPending(nonce []byte, req *PendingRequest) {
	key := string(nonce)

	r.mu.Lock()
	r.pending[key] = req
	r.mu.Unlock()

	time.AfterFunc(r.timeout, func() {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
	})
}

// TakePending removes and returns the request registered under the nonce,
// or nil.
func (r *Registry) TakePending(nonce []byte) *PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(nonce)
	req, exists := r.pending[key]
	if !exists {
		return nil
	}

	delete(r.pending, key)
	return req
}

// Await creates a response slot for (peer, reqID) and returns the channel
// replies arrive on.
//
// The channel is closed when the slot expires or is cancelled; a closed
// channel reads as nil, which callers interpret as a timeout. Fragmented
// responses deliver one message per fragment.
func (r *Registry) Await(peer node.ID, reqID []byte) <-chan Message {
	key := AwaitKey{ID: peer, ReqID: string(reqID)}

	slot := &awaitSlot{
		ch: make(chan Message, awaitBuffer),
	}
	slot.timer = time.AfterFunc(r.timeout, func() {
		r.expire(key, slot)
	})

	r.mu.Lock()
	// A duplicate request ID for the same peer replaces the older slot;
	// request IDs are 8 random bytes, so this is effectively unreachable.
	if old, exists := r.awaited[key]; exists {
		old.timer.Stop()
		close(old.ch)
	}
	r.awaited[key] = slot
	r.mu.Unlock()

	return slot.ch
}

// Resolve delivers a response to the slot awaiting (peer, reqID).
//
// Returns false if no slot matches; such messages are unsolicited and the
// caller drops them.
func (r *Registry) Resolve(peer node.ID, reqID []byte, msg Message) bool {
	key := AwaitKey{ID: peer, ReqID: string(reqID)}

	// The send happens under the lock so a concurrent Cancel cannot close
	// the channel mid-send. The channel is buffered; the send never blocks.
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, exists := r.awaited[key]
	if !exists {
		return false
	}

	select {
	case slot.ch <- msg:
		return true
	default:
		// Slot buffer full; the peer is flooding fragments.
		return false
	}
}

// Cancel removes the slot for (peer, reqID) and closes its channel.
func (r *Registry) Cancel(peer node.ID, reqID []byte) {
	key := AwaitKey{ID: peer, ReqID: string(reqID)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, exists := r.awaited[key]; exists {
		delete(r.awaited, key)
		slot.timer.Stop()
		close(slot.ch)
	}
}

func (r *Registry) expire(key AwaitKey, slot *awaitSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.awaited[key]; exists && current == slot {
		delete(r.awaited, key)
		close(slot.ch)
	}
}

// PendingCount returns the number of nonce-indexed in-flight requests.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// AwaitedCount returns the number of open response slots.
func (r *Registry) AwaitedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.awaited)
}

// Timeout returns the configured response timeout.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}
