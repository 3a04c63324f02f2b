// Package transport provides the UDP socket layer for the discovery
// protocol: packet send/receive, per-IP rate limiting and transfer
// counters.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bauerj/nim-eth/discv5/node"
)

const (
	// MaxPacketSize is the maximum UDP payload (1280 bytes, minimum IPv6
	// MTU).
	MaxPacketSize = 1280

	// DefaultReadBuffer is the default kernel read buffer size.
	DefaultReadBuffer = 2 * 1024 * 1024

	// DefaultWriteBuffer is the default kernel write buffer size.
	DefaultWriteBuffer = 2 * 1024 * 1024

	// readPollInterval is the read deadline used to poll for shutdown.
	readPollInterval = time.Second
)

// PacketHandler is called for each received packet. Handlers are invoked on
// a fresh goroutine and own the data slice.
type PacketHandler func(data []byte, from *net.UDPAddr)

// UDPTransport owns the UDP socket.
type UDPTransport struct {
	conn *net.UDPConn

	handler PacketHandler

	rateLimiter *RateLimiter

	metrics *Metrics

	logger logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Config contains configuration for the UDP transport.
type Config struct {
	// ListenAddr is the bind address, e.g. "0.0.0.0:9000"
	ListenAddr string

	// Handler is called for each received packet
	Handler PacketHandler

	// RateLimitPerIP is the maximum packets per second per source IP
	// (0 = unlimited)
	RateLimitPerIP int

	// ReadBuffer is the kernel read buffer size (0 = default)
	ReadBuffer int

	// WriteBuffer is the kernel write buffer size (0 = default)
	WriteBuffer int

	// Logger for debug messages
	Logger logrus.FieldLogger
}

// NewUDPTransport binds the socket and starts receiving.
func NewUDPTransport(cfg *Config) (*UDPTransport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("transport: nil config")
	}

	if cfg.Handler == nil {
		return nil, fmt.Errorf("transport: nil packet handler")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to resolve address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to listen: %w", err)
	}

	readBuf := cfg.ReadBuffer
	if readBuf == 0 {
		readBuf = DefaultReadBuffer
	}
	writeBuf := cfg.WriteBuffer
	if writeBuf == 0 {
		writeBuf = DefaultWriteBuffer
	}

	if err := conn.SetReadBuffer(readBuf); err != nil {
		logger.WithError(err).Warn("transport: failed to set read buffer")
	}
	if err := conn.SetWriteBuffer(writeBuf); err != nil {
		logger.WithError(err).Warn("transport: failed to set write buffer")
	}

	ctx, cancel := context.WithCancel(context.Background())

	var rateLimiter *RateLimiter
	if cfg.RateLimitPerIP > 0 {
		rateLimiter = NewRateLimiter(cfg.RateLimitPerIP)
	}

	t := &UDPTransport{
		conn:        conn,
		handler:     cfg.Handler,
		rateLimiter: rateLimiter,
		metrics:     NewMetrics(),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}

	t.wg.Add(1)
	go t.receiveLoop()

	logger.WithField("addr", conn.LocalAddr()).Debug("transport: listening")

	return t, nil
}

// LocalAddr returns the bound UDP address.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// SendTo writes a packet to the given address.
//
// Thread-safe. Errors are counted; the caller logs and moves on — a failed
// send never takes down protocol loops.
func (t *UDPTransport) SendTo(data []byte, to *net.UDPAddr) error {
	if t.closed.Load() {
		return fmt.Errorf("transport: closed")
	}

	if len(data) > MaxPacketSize {
		return fmt.Errorf("transport: packet too large (%d > %d)", len(data), MaxPacketSize)
	}

	if err := node.ValidateUDPAddr(to); err != nil {
		return fmt.Errorf("transport: invalid destination: %w", err)
	}

	n, err := t.conn.WriteToUDP(data, to)
	if err != nil {
		t.metrics.IncrementSendErrors()
		return fmt.Errorf("transport: write failed: %w", err)
	}

	t.metrics.RecordSent(uint64(n))
	return nil
}

// receiveLoop reads packets until the transport is closed.
func (t *UDPTransport) receiveLoop() {
	defer t.wg.Done()

	buffer := make([]byte, MaxPacketSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		// A short deadline keeps the loop responsive to shutdown.
		if err := t.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			t.logger.WithError(err).Error("transport: failed to set read deadline")
			return
		}

		n, from, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			select {
			case <-t.ctx.Done():
				return
			default:
			}

			t.metrics.IncrementReceiveErrors()
			t.logger.WithError(err).Debug("transport: read failed")
			continue
		}

		if err := node.ValidateUDPAddr(from); err != nil {
			t.metrics.IncrementReceiveErrors()
			continue
		}

		if t.rateLimiter != nil && !t.rateLimiter.Allow(from.IP) {
			t.metrics.IncrementRateLimited()
			continue
		}

		t.metrics.RecordReceived(uint64(n))

		dataCopy := make([]byte, n)
		copy(dataCopy, buffer[:n])

		go t.handler(dataCopy, from)
	}
}

// Close shuts the transport down and waits for the receive loop.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("transport: already closed")
	}

	t.cancel()

	if err := t.conn.Close(); err != nil {
		t.logger.WithError(err).Warn("transport: error closing socket")
	}

	if t.rateLimiter != nil {
		t.rateLimiter.Stop()
	}

	t.wg.Wait()

	return nil
}

// Metrics returns the transport counters.
func (t *UDPTransport) Metrics() *Metrics {
	return t.metrics
}
