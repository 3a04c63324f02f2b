package transport

import (
	"sync/atomic"
)

// Metrics tracks transfer statistics for the UDP transport. All operations
// are atomic.
type Metrics struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	sendErrors    atomic.Uint64
	receiveErrors atomic.Uint64
	rateLimited   atomic.Uint64
}

// NewMetrics creates a metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordSent records a sent packet.
func (m *Metrics) RecordSent(bytes uint64) {
	m.packetsSent.Add(1)
	m.bytesSent.Add(bytes)
}

// RecordReceived records a received packet.
func (m *Metrics) RecordReceived(bytes uint64) {
	m.packetsReceived.Add(1)
	m.bytesReceived.Add(bytes)
}

// IncrementSendErrors counts a failed send.
func (m *Metrics) IncrementSendErrors() {
	m.sendErrors.Add(1)
}

// IncrementReceiveErrors counts a failed receive.
func (m *Metrics) IncrementReceiveErrors() {
	m.receiveErrors.Add(1)
}

// IncrementRateLimited counts a packet dropped by the rate limiter.
func (m *Metrics) IncrementRateLimited() {
	m.rateLimited.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	SendErrors      uint64
	ReceiveErrors   uint64
	RateLimited     uint64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		PacketsSent:     m.packetsSent.Load(),
		PacketsReceived: m.packetsReceived.Load(),
		BytesSent:       m.bytesSent.Load(),
		BytesReceived:   m.bytesReceived.Load(),
		SendErrors:      m.sendErrors.Load(),
		ReceiveErrors:   m.receiveErrors.Load(),
		RateLimited:     m.rateLimited.Load(),
	}
}
