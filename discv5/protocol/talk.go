package protocol

import (
	"errors"
	"sync"
)

// ErrAlreadyRegistered is returned when a talk protocol ID is registered
// twice.
var ErrAlreadyRegistered = errors.New("protocol: talk protocol already registered")

// TalkHandler serves one sub-protocol request. It is invoked synchronously
// while the ingress packet is being processed and must return the raw
// response payload.
type TalkHandler func(request []byte) []byte

// TalkRegistry maps sub-protocol IDs to their handlers.
//
// Sub-protocols ride on the TALKREQ/TALKRESP message pair; the protocol ID
// is an opaque byte string chosen by the overlay (e.g. "portal"). A request
// for an unregistered ID is answered with an empty TALKRESP: protocol-level
// OK, application-level empty.
type TalkRegistry struct {
	handlers map[string]TalkHandler
	mu       sync.RWMutex
}

// NewTalkRegistry creates an empty registry.
func NewTalkRegistry() *TalkRegistry {
	return &TalkRegistry{
		handlers: make(map[string]TalkHandler),
	}
}

// Register binds a handler to a protocol ID. At most one handler may be
// registered per ID.
func (r *TalkRegistry) Register(protoID []byte, handler TalkHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(protoID)
	if _, exists := r.handlers[key]; exists {
		return ErrAlreadyRegistered
	}

	r.handlers[key] = handler
	return nil
}

// Invoke runs the handler for the protocol ID. Returns an empty payload
// when the ID is unknown or the handler is nil.
func (r *TalkRegistry) Invoke(protoID, request []byte) []byte {
	r.mu.RLock()
	handler := r.handlers[string(protoID)]
	r.mu.RUnlock()

	if handler == nil {
		return []byte{}
	}

	response := handler(request)
	if response == nil {
		return []byte{}
	}
	return response
}

// Protocols returns the registered protocol IDs.
func (r *TalkRegistry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}
