package node

import "errors"

var (
	// ErrInvalidAddress is returned for nil or unspecified addresses.
	ErrInvalidAddress = errors.New("node: invalid address")

	// ErrInvalidPort is returned for zero ports.
	ErrInvalidPort = errors.New("node: invalid port")

	// ErrMulticastNotSupported is returned for multicast addresses.
	ErrMulticastNotSupported = errors.New("node: multicast addresses not supported")
)
