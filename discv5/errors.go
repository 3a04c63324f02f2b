package discv5

import "errors"

var (
	// ErrMissingPrivateKey is returned when no static key is configured.
	ErrMissingPrivateKey = errors.New("discv5: missing private key")

	// ErrInvalidBindAddress is returned for an unusable bind address.
	ErrInvalidBindAddress = errors.New("discv5: invalid bind address")

	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("discv5: service already running")

	// ErrNotRunning is returned when closing a service that is already closed.
	ErrNotRunning = errors.New("discv5: service not running")

	// ErrNodeNotFound is returned when a node cannot be resolved.
	ErrNodeNotFound = errors.New("discv5: node not found")
)
