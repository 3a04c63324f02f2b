package discv5

import (
	"fmt"
	mrand "math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bauerj/nim-eth/discv5/discover"
	"github.com/bauerj/nim-eth/discv5/metrics"
	"github.com/bauerj/nim-eth/discv5/node"
	"github.com/bauerj/nim-eth/discv5/protocol"
	"github.com/bauerj/nim-eth/discv5/session"
	"github.com/bauerj/nim-eth/discv5/table"
	"github.com/bauerj/nim-eth/discv5/transport"
	"github.com/bauerj/nim-eth/enr"
)

// NodeStore receives discovered nodes for persistence. The routing table
// itself is never restored from storage; the store is an observation log.
type NodeStore interface {
	StoreNode(n *node.Node) error
}

// Service is the discovery protocol instance.
type Service struct {
	config *Config

	// localNode is our own identity; its record is re-signed on address
	// updates
	localNode *node.Node

	transport *transport.UDPTransport

	table *table.Table

	sessions *session.Store

	handler *protocol.Handler

	lookup *discover.Lookup

	ipVote *IPVote

	// rng paces the revalidation loop; separate from the table's source
	// because math/rand sources are not safe for concurrent use
	rng *mrand.Rand

	logger logrus.FieldLogger

	// lastLookup suppresses redundant refresh queries
	lastLookup time.Time
	lookupMu   sync.Mutex

	running bool
	closed  bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// New creates a discovery service from the configuration.
//
// The local record is built from the configured (or bound) address and
// signed with the private key at sequence number 1.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	localNode, err := createLocalNode(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create local node: %w", err)
	}

	logger := cfg.Logger
	logger.WithFields(logrus.Fields{
		"peerID": localNode.PeerID(),
		"addr":   localNode.Addr(),
	}).Info("created local node")

	routingTable := table.NewTable(table.Config{
		LocalID:  localNode.ID(),
		IPLimits: cfg.IPLimits,
		Rng:      mrand.New(mrand.NewSource(cfg.Rng.Int63())),
		Logger:   logger,
	})

	sessions := session.NewStore(cfg.SessionCapacity, logger)

	handler := protocol.NewHandler(protocol.Config{
		LocalNode:        localNode,
		PrivateKey:       cfg.PrivateKey,
		Table:            routingTable,
		Sessions:         sessions,
		ResponseTimeout:  cfg.ResponseTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
	})

	lookup := discover.NewLookup(discover.Config{
		LocalID: localNode.ID(),
		Table:   routingTable,
		Handler: handler,
		Logger:  logger,
	})

	return &Service{
		config:    cfg,
		localNode: localNode,
		table:     routingTable,
		sessions:  sessions,
		handler:   handler,
		lookup:    lookup,
		ipVote:    NewIPVote(cfg.IPMajorityInterval, logger),
		rng:       mrand.New(mrand.NewSource(cfg.Rng.Int63())),
		logger:    logger,
		stopCh:    make(chan struct{}),
	}, nil
}

// createLocalNode builds and signs the local record.
func createLocalNode(cfg *Config) (*node.Node, error) {
	bindAddr, err := net.ResolveUDPAddr("udp", cfg.BindAddress)
	if err != nil {
		return nil, err
	}

	ip := cfg.ENRIP
	if ip == nil {
		ip = bindAddr.IP
	}
	if ip == nil || ip.IsUnspecified() {
		// Without an advertised address the record still needs one;
		// loopback keeps single-host setups working.
		ip = net.IPv4(127, 0, 0, 1)
	}

	port := cfg.ENRPort
	if port == 0 {
		port = bindAddr.Port
	}

	ipKey := "ip"
	ipVal := ip.To4()
	if ipVal == nil {
		ipKey = "ip6"
		ipVal = ip.To16()
	}

	record, err := enr.NewRecord(ipKey, net.IP(ipVal), "udp", uint16(port))
	if err != nil {
		return nil, err
	}
	record.SetSeq(1)

	if err := record.Sign(cfg.PrivateKey); err != nil {
		return nil, err
	}

	return node.New(record)
}

// Open binds the UDP socket and loads the bootstrap records. It does not
// start the background loops; Start does.
func (s *Service) Open() error {
	udpTransport, err := transport.NewUDPTransport(&transport.Config{
		ListenAddr:     s.config.BindAddress,
		Handler:        s.handler.HandleIncomingPacket,
		RateLimitPerIP: s.config.RateLimitPerIP,
		Logger:         s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	s.transport = udpTransport
	s.handler.SetTransport(udpTransport)

	for _, record := range s.config.BootstrapRecords {
		n, err := node.New(record)
		if err != nil {
			s.logger.WithError(err).Warn("invalid bootstrap record")
			continue
		}

		n.SetBootstrap(true)

		result := s.table.Add(n)
		s.logger.WithFields(logrus.Fields{
			"peerID": n.PeerID(),
			"addr":   n.Addr(),
			"result": result,
		}).Info("loaded bootstrap record")

		s.storeNode(n)
	}

	return nil
}

// Start launches the background loops: table refresh, revalidation and the
// external-address vote.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.transport == nil {
		return fmt.Errorf("discv5: Open before Start")
	}
	s.running = true

	s.wg.Add(3)
	go s.refreshLoop()
	go s.revalidateLoop()
	go s.ipMajorityLoop()

	return nil
}

// Close cancels the background loops and closes the transport. It is
// valid to close a service that was opened but never started.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.closed = true
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.handler.Close()

	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.WithError(err).Error("failed to close transport")
		}
	}

	return nil
}

// CloseWait is Close plus waiting for the background loops to exit.
func (s *Service) CloseWait() error {
	err := s.Close()
	s.wg.Wait()
	return err
}

// LocalNode returns our own node.
func (s *Service) LocalNode() *node.Node {
	return s.localNode
}

// Table returns the routing table.
func (s *Service) Table() *table.Table {
	return s.table
}

// Sessions returns the session store.
func (s *Service) Sessions() *session.Store {
	return s.sessions
}

// Handler returns the protocol handler.
func (s *Service) Handler() *protocol.Handler {
	return s.handler
}

// Transport returns the UDP transport (nil before Open).
func (s *Service) Transport() *transport.UDPTransport {
	return s.transport
}

// Ping sends a PING to the node and returns the PONG.
func (s *Service) Ping(n *node.Node) (*protocol.Pong, error) {
	pong, _, err := s.handler.Ping(n)
	return pong, err
}

// FindNode queries the node for records at the given distances.
func (s *Service) FindNode(n *node.Node, distances []uint) ([]*enr.Record, error) {
	return s.handler.FindNode(n, distances)
}

// TalkRequest sends a sub-protocol request to the node.
func (s *Service) TalkRequest(n *node.Node, protoID, payload []byte) ([]byte, error) {
	return s.handler.TalkRequest(n, protoID, payload)
}

// RegisterTalkProtocol binds a handler to a talk protocol ID.
func (s *Service) RegisterTalkProtocol(protoID []byte, handler protocol.TalkHandler) error {
	return s.handler.Talk().Register(protoID, handler)
}

// AddNode inserts a record into the routing table.
func (s *Service) AddNode(record *enr.Record) (table.AddResult, error) {
	n, err := node.New(record)
	if err != nil {
		return 0, err
	}

	result := s.table.Add(n)
	if result == table.Added || result == table.ReplacementAdded {
		s.storeNode(n)
	}

	return result, nil
}

// GetNode returns the live table entry for the ID, or nil.
func (s *Service) GetNode(id node.ID) *node.Node {
	return s.table.Get(id)
}

// RandomNodes samples up to count nodes from the table.
func (s *Service) RandomNodes(count int) []*node.Node {
	return s.table.RandomNodes(count)
}

// Neighbours returns the k table nodes closest to target.
func (s *Service) Neighbours(target node.ID, k int) []*node.Node {
	return s.table.Neighbours(target, k, false)
}

// Lookup runs an iterative search for the K nodes closest to target.
func (s *Service) Lookup(target node.ID) []*node.Node {
	s.markLookup()
	return s.lookup.Lookup(target)
}

// Query runs an untruncated lookup, returning every verified node found.
func (s *Service) Query(target node.ID) []*node.Node {
	s.markLookup()
	return s.lookup.Query(target)
}

// Resolve finds the current record of a node ID: from the table (with a
// best-effort refresh), or via a network lookup.
func (s *Service) Resolve(id node.ID) (*node.Node, error) {
	if n := s.table.Get(id); n != nil {
		if record, err := s.handler.RequestENR(n); err == nil {
			n.UpdateRecord(record)
		}
		return n, nil
	}

	for _, n := range s.Lookup(id) {
		if n.ID() == id {
			return n, nil
		}
	}

	return nil, ErrNodeNotFound
}

// UpdateLocalRecord overlays entries on the local record, bumps the
// sequence number and re-signs.
func (s *Service) UpdateLocalRecord(entries ...interface{}) error {
	updated, err := enr.UpdateRecord(s.localNode.Record(), s.config.PrivateKey, entries...)
	if err != nil {
		return err
	}

	if !s.localNode.UpdateRecord(updated) {
		return fmt.Errorf("discv5: record update did not apply")
	}

	s.logger.WithField("seq", updated.Seq()).Info("local record updated")
	return nil
}

// markLookup stamps the last lookup time for the refresh loop.
func (s *Service) markLookup() {
	s.lookupMu.Lock()
	s.lastLookup = time.Now()
	s.lookupMu.Unlock()
}

func (s *Service) sinceLastLookup() time.Duration {
	s.lookupMu.Lock()
	defer s.lookupMu.Unlock()

	if s.lastLookup.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(s.lastLookup)
}

// storeNode writes a node to the persistence layer, if configured.
func (s *Service) storeNode(n *node.Node) {
	if s.config.NodeStore == nil {
		return
	}

	if err := s.config.NodeStore.StoreNode(n); err != nil {
		s.logger.WithError(err).WithField("peerID", n.PeerID()).Warn("failed to persist node")
	}
}

// refreshLoop populates the table at startup — one self-lookup plus a few
// random-target queries — then keeps it fresh with a random query whenever
// no lookup ran for a full refresh interval.
func (s *Service) refreshLoop() {
	defer s.wg.Done()

	s.logger.Debug("starting table refresh")

	s.Lookup(s.localNode.ID())

	for i := 0; i < s.config.InitialLookups; i++ {
		select {
		case <-s.stopCh:
			return
		default:
		}

		target, err := node.RandomID()
		if err != nil {
			continue
		}
		s.Query(target)
	}

	s.logger.WithField("nodes", s.table.Len()).Info("initial table population done")

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.sinceLastLookup() < s.config.RefreshInterval {
				continue
			}

			target, err := node.RandomID()
			if err != nil {
				continue
			}
			s.Query(target)

		case <-s.stopCh:
			return
		}
	}
}

// revalidateLoop pings the least recently seen node of a random bucket at
// random intervals. Success re-anchors the node (and refreshes its record
// if the peer advertises a newer one); failure demotes it. Observed
// addresses feed the external-address vote.
func (s *Service) revalidateLoop() {
	defer s.wg.Done()

	for {
		pause := time.Duration(s.rng.Int63n(int64(s.config.RevalidateMax)))

		select {
		case <-time.After(pause):
		case <-s.stopCh:
			return
		}

		candidate := s.table.NodeToRevalidate()
		if candidate == nil {
			continue
		}

		pong, _, err := s.handler.Ping(candidate)
		if err != nil {
			// The handler has already demoted the node (bootstrap
			// records excepted).
			s.logger.WithFields(logrus.Fields{
				"peerID": candidate.PeerID(),
				"error":  err,
			}).Debug("revalidation failed")
			continue
		}

		s.ipVote.Insert(candidate.ID(), net.IP(pong.IP), pong.Port)

		if pong.ENRSeq > candidate.Seq() {
			if record, err := s.handler.RequestENR(candidate); err == nil {
				if candidate.UpdateRecord(record) {
					s.logger.WithFields(logrus.Fields{
						"peerID": candidate.PeerID(),
						"seq":    record.Seq(),
					}).Debug("refreshed node record")
				}
			}
		}

		s.storeNode(candidate)
	}
}

// ipMajorityLoop periodically checks whether a strict majority of peers
// sees us at an address other than the advertised one, and — with
// EnrAutoUpdate — re-signs the local record accordingly.
func (s *Service) ipMajorityLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.IPMajorityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ip, port, ok := s.ipVote.Majority()
			if !ok {
				continue
			}

			record := s.localNode.Record()
			current := record.IP()
			if current == nil {
				current = record.IP6()
			}

			if node.SameIP(current, ip) && record.UDP() == port {
				continue
			}

			s.logger.WithFields(logrus.Fields{
				"voted":      fmt.Sprintf("%s:%d", ip, port),
				"advertised": fmt.Sprintf("%s:%d", current, record.UDP()),
			}).Info("external address differs from record")

			if !s.config.EnrAutoUpdate {
				continue
			}

			ipKey := "ip"
			ipVal := ip.To4()
			if ipVal == nil {
				ipKey = "ip6"
				ipVal = ip.To16()
			}

			if err := s.UpdateLocalRecord(ipKey, net.IP(ipVal), "udp", port); err != nil {
				s.logger.WithError(err).Warn("failed to update local record")
				continue
			}

			metrics.ENRAutoUpdate.Inc()

		case <-s.stopCh:
			return
		}
	}
}
