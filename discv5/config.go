// Package discv5 implements a UDP node-discovery protocol: a Kademlia
// routing table over authenticated, encrypted message packets, iterative
// lookups, and an extensible talk channel for application sub-protocols.
//
// The service ties the components together:
//   - UDP transport with per-IP rate limiting
//   - the masked packet codec and WHOAREYOU handshake
//   - the routing table with IP-subnet limits
//   - the request registry and lookup engine
//   - background refresh, revalidation and external-address voting
package discv5

import (
	"crypto/ecdsa"
	mrand "math/rand"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bauerj/nim-eth/discv5/table"
	"github.com/bauerj/nim-eth/enr"
)

const (
	// DefaultBindAddress is the default UDP listen endpoint.
	DefaultBindAddress = "0.0.0.0:9000"

	// DefaultRefreshInterval is the table refresh cadence.
	DefaultRefreshInterval = 5 * time.Minute

	// DefaultRevalidateMax bounds the random pause between revalidation
	// pings.
	DefaultRevalidateMax = 10 * time.Second

	// DefaultIPMajorityInterval is the external-address tally cadence.
	DefaultIPMajorityInterval = 5 * time.Minute

	// DefaultInitialLookups is the number of random-target queries run at
	// startup, after the self-lookup.
	DefaultInitialLookups = 3

	// DefaultRateLimitPerIP is the ingress packet budget per source IP.
	DefaultRateLimitPerIP = 100
)

// Config contains configuration for the discovery service.
type Config struct {
	// PrivateKey is the node's static secp256k1 key (required)
	PrivateKey *ecdsa.PrivateKey

	// BindAddress is the UDP listen endpoint ("0.0.0.0:9000")
	BindAddress string

	// ENRIP overrides the IP advertised in the local record
	// (nil = the bind address IP)
	ENRIP net.IP

	// ENRPort overrides the UDP port advertised in the local record
	// (0 = the bind port)
	ENRPort int

	// BootstrapRecords are seed records loaded at Open. Bootstrap nodes
	// are never evicted on request failure.
	BootstrapRecords []*enr.Record

	// EnrAutoUpdate lets the IP majority vote update the local record
	EnrAutoUpdate bool

	// IPLimits are the routing-table subnet caps
	IPLimits table.IPLimits

	// HandshakeTimeout bounds pending handshake state (default 2s)
	HandshakeTimeout time.Duration

	// ResponseTimeout bounds request/response exchanges (default 4s)
	ResponseTimeout time.Duration

	// RefreshInterval is the table refresh cadence (default 5m)
	RefreshInterval time.Duration

	// RevalidateMax bounds the pause between revalidation pings
	// (default 10s)
	RevalidateMax time.Duration

	// IPMajorityInterval is the external-address tally cadence
	// (default 5m)
	IPMajorityInterval time.Duration

	// InitialLookups is the number of startup random-target queries
	InitialLookups int

	// SessionCapacity bounds the session store (default 256)
	SessionCapacity int

	// RateLimitPerIP is the ingress packet budget per source IP
	// (0 = disabled)
	RateLimitPerIP int

	// NodeStore receives discovered nodes for persistence (optional)
	NodeStore NodeStore

	// Rng drives revalidation pacing, bucket choice and sampling.
	// Seeded here explicitly; no process-global randomness.
	Rng *mrand.Rand

	// Logger for structured output
	Logger logrus.FieldLogger
}

// DefaultConfig returns a configuration with all defaults set except the
// private key.
func DefaultConfig() *Config {
	return &Config{
		BindAddress:        DefaultBindAddress,
		IPLimits:           table.DefaultIPLimits(),
		HandshakeTimeout:   2 * time.Second,
		ResponseTimeout:    4 * time.Second,
		RefreshInterval:    DefaultRefreshInterval,
		RevalidateMax:      DefaultRevalidateMax,
		IPMajorityInterval: DefaultIPMajorityInterval,
		InitialLookups:     DefaultInitialLookups,
		RateLimitPerIP:     DefaultRateLimitPerIP,
	}
}

// Validate checks the configuration for initialization defects.
func (c *Config) Validate() error {
	if c.PrivateKey == nil {
		return ErrMissingPrivateKey
	}

	if c.BindAddress == "" {
		return ErrInvalidBindAddress
	}

	if _, err := net.ResolveUDPAddr("udp", c.BindAddress); err != nil {
		return ErrInvalidBindAddress
	}

	return nil
}

// withDefaults fills zero values.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()

	if c.BindAddress == "" {
		c.BindAddress = d.BindAddress
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.RevalidateMax <= 0 {
		c.RevalidateMax = d.RevalidateMax
	}
	if c.IPMajorityInterval <= 0 {
		c.IPMajorityInterval = d.IPMajorityInterval
	}
	if c.InitialLookups <= 0 {
		c.InitialLookups = d.InitialLookups
	}
	if c.Rng == nil {
		c.Rng = mrand.New(mrand.NewSource(time.Now().UnixNano()))
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}

	return c
}
