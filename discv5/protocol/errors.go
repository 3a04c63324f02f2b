package protocol

import "errors"

var (
	// ErrTimeout is returned when a request's response slot expires.
	ErrTimeout = errors.New("protocol: request timed out")

	// ErrMismatch is returned when a response arrives whose kind does not
	// match the awaiting call.
	ErrMismatch = errors.New("protocol: response kind mismatch")

	// ErrNoTransport is returned when sending before a transport is set.
	ErrNoTransport = errors.New("protocol: transport not initialized")
)
