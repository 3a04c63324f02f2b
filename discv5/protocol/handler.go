package protocol

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/bauerj/nim-eth/crypto"
	"github.com/bauerj/nim-eth/discv5/metrics"
	"github.com/bauerj/nim-eth/discv5/node"
	"github.com/bauerj/nim-eth/discv5/session"
	"github.com/bauerj/nim-eth/discv5/table"
	"github.com/bauerj/nim-eth/enr"
)

// MaxNodesPerMessage is the number of ENR records per NODES fragment.
// Three records of up to 300 bytes keep every fragment well under the
// 1280-byte packet limit.
const MaxNodesPerMessage = 3

// FindNodeResultLimit caps the records served for one FINDNODE request and
// the records accepted from one NODES response.
const FindNodeResultLimit = 16

// handshakeCleanupInterval is how often expired handshake state is swept.
const handshakeCleanupInterval = time.Second

// Transport sends encoded packets.
type Transport interface {
	SendTo(data []byte, to *net.UDPAddr) error
}

// Handler drives the wire protocol: it decodes and dispatches inbound
// packets, runs the WHOAREYOU handshake, answers queries from the routing
// table, and exposes the request primitives (ping, find-node, talk).
type Handler struct {
	// localNode is our own node; its record answers FINDNODE [0]
	localNode *node.Node

	// privateKey signs handshake identity proofs
	privateKey *ecdsa.PrivateKey

	// table is the routing table
	table *table.Table

	// sessions stores established session keys
	sessions *session.Store

	// requests correlates outbound requests with responses
	requests *Registry

	// talk dispatches sub-protocol requests
	talk *TalkRegistry

	// pendingHandshakes tracks outbound handshakes awaiting a challenge
	pendingHandshakes map[handshakeKey]*pendingHandshake

	// sentChallenges tracks challenges awaiting a handshake packet
	sentChallenges map[handshakeKey]*sentChallenge

	// handshakeTimeout bounds the lifetime of handshake state
	handshakeTimeout time.Duration

	// hmu guards the two handshake maps
	hmu sync.Mutex

	// tmu guards transport
	tmu       sync.RWMutex
	transport Transport

	logger logrus.FieldLogger

	stopCh chan struct{}
}

// Config contains configuration for the protocol handler.
type Config struct {
	// LocalNode is our own node
	LocalNode *node.Node

	// PrivateKey is the node's static key
	PrivateKey *ecdsa.PrivateKey

	// Table is the routing table
	Table *table.Table

	// Sessions is the session store
	Sessions *session.Store

	// Talk is the sub-protocol registry
	Talk *TalkRegistry

	// ResponseTimeout bounds request/response exchanges
	// (0 = DefaultResponseTimeout)
	ResponseTimeout time.Duration

	// HandshakeTimeout bounds pending handshake state
	// (0 = DefaultHandshakeTimeout)
	HandshakeTimeout time.Duration

	// Logger for debug messages
	Logger logrus.FieldLogger
}

// NewHandler creates a protocol handler.
func NewHandler(cfg Config) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Talk == nil {
		cfg.Talk = NewTalkRegistry()
	}

	h := &Handler{
		localNode:         cfg.LocalNode,
		privateKey:        cfg.PrivateKey,
		table:             cfg.Table,
		sessions:          cfg.Sessions,
		requests:          NewRegistry(cfg.ResponseTimeout),
		talk:              cfg.Talk,
		pendingHandshakes: make(map[handshakeKey]*pendingHandshake),
		sentChallenges:    make(map[handshakeKey]*sentChallenge),
		handshakeTimeout:  cfg.HandshakeTimeout,
		logger:            cfg.Logger,
		stopCh:            make(chan struct{}),
	}

	go h.cleanupLoop()

	return h
}

// SetTransport wires the packet transport.
func (h *Handler) SetTransport(transport Transport) {
	h.tmu.Lock()
	h.transport = transport
	h.tmu.Unlock()
}

// Talk returns the sub-protocol registry.
func (h *Handler) Talk() *TalkRegistry {
	return h.talk
}

// Requests returns the request registry. Exposed for the status API.
func (h *Handler) Requests() *Registry {
	return h.requests
}

// Close stops the handshake cleanup loop.
func (h *Handler) Close() {
	close(h.stopCh)
}

// HandleIncomingPacket processes one raw UDP payload.
//
// Malformed packets are logged and dropped; nothing a peer sends can take
// the handler down.
func (h *Handler) HandleIncomingPacket(data []byte, from *net.UDPAddr) {
	packet, err := DecodePacket(data, h.localNode.ID())
	if err != nil {
		h.logger.WithField("from", from).WithError(err).Debug("invalid packet")
		return
	}

	switch packet.Header.Flag {
	case FlagOrdinary:
		h.handleOrdinaryPacket(packet, from)
	case FlagWhoAreYou:
		h.handleWhoareyouPacket(packet, from)
	case FlagHandshake:
		h.handleHandshakePacket(packet, from)
	}
}

// handleOrdinaryPacket opens an encrypted message packet.
//
// Without a session — or when the session keys no longer fit — the packet
// is unreadable; the sender is challenged with WHOAREYOU so a handshake can
// establish fresh keys.
func (h *Handler) handleOrdinaryPacket(packet *Packet, from *net.UDPAddr) {
	sess := h.sessions.Get(session.MakeKey(packet.SrcID, from))
	if sess == nil {
		h.sendWhoareyou(packet.SrcID, from, packet.Header.Nonce)
		return
	}

	plaintext, err := session.DecryptMessage(sess.ReadKey(), packet.Header.Nonce, packet.HeaderData, packet.Message)
	if err != nil {
		h.sendWhoareyou(packet.SrcID, from, packet.Header.Nonce)
		return
	}

	msg, err := DecodeMessage(plaintext)
	if err != nil {
		h.logger.WithField("from", from).WithError(err).Debug("undecodable message")
		return
	}

	h.dispatchMessage(msg, packet.SrcID, from)
}

// handleWhoareyouPacket answers a challenge to one of our own packets.
//
// The challenge echoes the nonce of the packet it rejects; an unmatched
// nonce means the challenge is stale or forged and is ignored.
func (h *Handler) handleWhoareyouPacket(packet *Packet, from *net.UDPAddr) {
	pending := h.requests.TakePending(packet.Challenge.RequestNonce)
	if pending == nil {
		h.logger.WithField("from", from).Debug("WHOAREYOU for unknown request nonce")
		return
	}

	peer := pending.Node
	key := makeHandshakeKey(peer.ID(), from)

	h.hmu.Lock()
	delete(h.pendingHandshakes, key)
	h.hmu.Unlock()

	remotePubKey := peer.PublicKey()
	if remotePubKey == nil {
		h.logger.WithField("peerID", peer.PeerID()).Warn("handshake peer has no public key")
		return
	}

	ephKey, err := ethcrypto.GenerateKey()
	if err != nil {
		h.logger.WithError(err).Error("failed to generate ephemeral key")
		return
	}
	ephPubkey := ethcrypto.CompressPubkey(&ephKey.PublicKey)

	// The challenge data — what the signature covers and what salts the
	// KDF — is the unmasked WHOAREYOU packet.
	challengeData := packet.HeaderData

	signature, err := makeIDSignature(h.privateKey, challengeData, ephPubkey, peer.ID())
	if err != nil {
		h.logger.WithError(err).Error("failed to sign handshake")
		return
	}

	keys, err := session.DeriveKeys(ephKey, remotePubKey, h.localNode.ID(), peer.ID(), challengeData)
	if err != nil {
		h.logger.WithError(err).Error("failed to derive session keys")
		return
	}

	// Attach our record only when the challenger's copy is stale.
	var recordBytes []byte
	localRecord := h.localNode.Record()
	if packet.Challenge.RecordSeq < localRecord.Seq() {
		recordBytes, err = localRecord.EncodeRLP()
		if err != nil {
			h.logger.WithError(err).Warn("failed to encode local record")
		}
	}

	plaintext, err := EncodeMessage(pending.Message)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode handshake message")
		return
	}

	nonce, err := crypto.GenerateRandomBytes(NonceSize)
	if err != nil {
		h.logger.WithError(err).Error("failed to generate nonce")
		return
	}

	header, err := BuildHandshakeHeader(h.localNode.ID(), nonce, signature, ephPubkey, recordBytes)
	if err != nil {
		h.logger.WithError(err).Error("failed to build handshake header")
		return
	}

	// The initiator writes with the initiator key.
	ciphertext, err := session.EncryptMessage(keys.InitiatorKey, nonce, header.HeaderData, plaintext)
	if err != nil {
		h.logger.WithError(err).Error("failed to encrypt handshake message")
		return
	}

	packetBytes, err := header.Seal(peer.ID(), ciphertext)
	if err != nil {
		h.logger.WithError(err).Error("failed to seal handshake packet")
		return
	}

	h.sessions.Put(session.MakeKey(peer.ID(), from),
		session.NewSession(peer.ID(), from, keys.RecipientKey, keys.InitiatorKey))

	// The embedded message is still awaiting its response; keep the nonce
	// correlation alive in case this packet gets challenged again.
	h.requests.RegisterPending(nonce, pending)

	if err := h.send(packetBytes, from); err != nil {
		h.logger.WithField("to", from).WithError(err).Debug("failed to send handshake packet")
	}
}

// handleHandshakePacket completes a handshake we challenged for.
func (h *Handler) handleHandshakePacket(packet *Packet, from *net.UDPAddr) {
	srcID := packet.Handshake.SrcID
	key := makeHandshakeKey(srcID, from)

	h.hmu.Lock()
	challenge, exists := h.sentChallenges[key]
	if exists {
		delete(h.sentChallenges, key)
	}
	h.hmu.Unlock()

	if !exists {
		h.logger.WithField("from", from).Debug("handshake without pending challenge")
		return
	}

	// The initiator's static key comes from the attached record, or from a
	// record we already hold.
	var remoteNode *node.Node
	var senderPubKey *ecdsa.PublicKey

	if len(packet.Handshake.Record) > 0 {
		record, err := enr.Load(packet.Handshake.Record)
		if err != nil {
			h.logger.WithField("from", from).WithError(err).Debug("invalid record in handshake")
		} else if n, err := node.New(record); err == nil {
			remoteNode = n
			senderPubKey = n.PublicKey()
		}
	}

	if senderPubKey == nil {
		if n := h.table.Get(srcID); n != nil {
			remoteNode = n
			senderPubKey = n.PublicKey()
		}
	}

	if senderPubKey == nil {
		h.logger.WithField("from", from).Debug("no known key for handshake sender")
		return
	}

	if node.PubkeyToID(senderPubKey) != srcID {
		h.logger.WithField("from", from).Warn("handshake key does not match source ID")
		return
	}

	if !verifyIDSignature(senderPubKey, packet.Handshake.Signature,
		challenge.challengeData, packet.Handshake.EphemeralPubKey, h.localNode.ID()) {
		h.logger.WithField("from", from).Warn("invalid handshake signature")
		return
	}

	ephPubKey, err := crypto.DecompressPubkey(packet.Handshake.EphemeralPubKey)
	if err != nil {
		h.logger.WithField("from", from).WithError(err).Debug("invalid ephemeral key in handshake")
		return
	}

	// Same derivation as the initiator, with roles read from its side.
	keys, err := session.DeriveKeys(h.privateKey, ephPubKey, srcID, h.localNode.ID(), challenge.challengeData)
	if err != nil {
		h.logger.WithError(err).Error("failed to derive session keys")
		return
	}

	plaintext, err := session.DecryptMessage(keys.InitiatorKey, packet.Header.Nonce, packet.HeaderData, packet.Message)
	if err != nil {
		h.logger.WithField("from", from).WithError(err).Debug("failed to decrypt handshake message")
		return
	}

	// The recipient reads with the initiator key and writes with the
	// recipient key.
	h.sessions.Put(session.MakeKey(srcID, from),
		session.NewSession(srcID, from, keys.InitiatorKey, keys.RecipientKey))

	h.logger.WithFields(logrus.Fields{
		"peerID": srcID.String()[:16],
		"from":   from,
	}).Debug("session established")

	if remoteNode != nil {
		h.table.Add(remoteNode)
	}

	msg, err := DecodeMessage(plaintext)
	if err != nil {
		h.logger.WithField("from", from).WithError(err).Debug("undecodable handshake message")
		return
	}

	h.dispatchMessage(msg, srcID, from)
}

// dispatchMessage routes a decoded message.
func (h *Handler) dispatchMessage(msg Message, srcID node.ID, from *net.UDPAddr) {
	switch m := msg.(type) {
	case *Ping:
		metrics.MessageRequestsIncoming.Inc()
		h.handlePing(m, srcID, from)

	case *FindNode:
		metrics.MessageRequestsIncoming.Inc()
		h.handleFindNode(m, srcID, from)

	case *TalkReq:
		metrics.MessageRequestsIncoming.Inc()
		h.handleTalkReq(m, srcID, from)

	case *RegTopic, *TopicQuery:
		// Topic advertisement is not implemented; the messages are valid
		// and counted but get no response.
		metrics.MessageRequestsIncoming.Inc()
		h.logger.WithField("from", from).Trace("ignoring topic message")

	case *Pong, *Nodes, *TalkResp:
		if !h.requests.Resolve(srcID, msg.RequestIDBytes(), msg) {
			metrics.UnsolicitedMessages.Inc()
			h.logger.WithFields(logrus.Fields{
				"from": from,
				"kind": msg.Kind(),
			}).Debug("unsolicited response")
		}
	}
}

// handlePing answers with the sender's address as we observed it.
func (h *Handler) handlePing(msg *Ping, srcID node.ID, from *net.UDPAddr) {
	pong := &Pong{
		RequestID: msg.RequestID,
		ENRSeq:    h.localNode.Record().Seq(),
		IP:        from.IP,
		Port:      uint16(from.Port),
	}

	h.sendResponse(srcID, from, pong)
}

// handleFindNode serves records from the routing table.
//
// Distance list [0] asks for our own record. Responses are fragmented into
// NODES messages of at most MaxNodesPerMessage records; every fragment
// carries the fragment count and the request ID.
func (h *Handler) handleFindNode(msg *FindNode, srcID node.ID, from *net.UDPAddr) {
	var records []*enr.Record

	if len(msg.Distances) == 1 && msg.Distances[0] == 0 {
		records = []*enr.Record{h.localNode.Record()}
	} else {
		for _, n := range h.table.NeighboursAtDistances(msg.Distances, FindNodeResultLimit, true) {
			records = append(records, n.Record())
		}
	}

	total := (len(records) + MaxNodesPerMessage - 1) / MaxNodesPerMessage
	if total == 0 {
		total = 1
	}

	for i := 0; i < total; i++ {
		start := i * MaxNodesPerMessage
		end := start + MaxNodesPerMessage
		if end > len(records) {
			end = len(records)
		}

		h.sendResponse(srcID, from, &Nodes{
			RequestID: msg.RequestID,
			Total:     uint(total),
			Records:   records[start:end],
		})
	}
}

// handleTalkReq routes a sub-protocol request. Unknown protocol IDs get an
// empty response.
func (h *Handler) handleTalkReq(msg *TalkReq, srcID node.ID, from *net.UDPAddr) {
	response := h.talk.Invoke(msg.Protocol, msg.Request)

	h.sendResponse(srcID, from, &TalkResp{
		RequestID: msg.RequestID,
		Response:  response,
	})
}

// sendWhoareyou challenges an unreadable packet.
//
// While a challenge for the same (peer, address) is pending, further
// unreadable packets are dropped silently: one handshake at a time.
func (h *Handler) sendWhoareyou(destID node.ID, to *net.UDPAddr, requestNonce []byte) {
	key := makeHandshakeKey(destID, to)

	h.hmu.Lock()
	if _, exists := h.sentChallenges[key]; exists {
		h.hmu.Unlock()
		return
	}
	// Reserve the slot before releasing the lock.
	h.sentChallenges[key] = &sentChallenge{createdAt: time.Now()}
	h.hmu.Unlock()

	idNonce, err := crypto.GenerateRandomBytes(16)
	if err != nil {
		h.forgetChallenge(key)
		return
	}

	challenge := &Whoareyou{
		RequestNonce: requestNonce,
	}
	copy(challenge.IDNonce[:], idNonce)

	if n := h.table.Get(destID); n != nil {
		challenge.RecordSeq = n.Record().Seq()
	}

	packetBytes, challengeData, err := EncodeWhoareyouPacket(destID, challenge)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode WHOAREYOU")
		h.forgetChallenge(key)
		return
	}

	h.hmu.Lock()
	h.sentChallenges[key] = &sentChallenge{
		challengeData: challengeData,
		createdAt:     time.Now(),
	}
	h.hmu.Unlock()

	if err := h.send(packetBytes, to); err != nil {
		h.logger.WithField("to", to).WithError(err).Debug("failed to send WHOAREYOU")
		h.forgetChallenge(key)
	}
}

func (h *Handler) forgetChallenge(key handshakeKey) {
	h.hmu.Lock()
	delete(h.sentChallenges, key)
	h.hmu.Unlock()
}

// sendRequest transmits a request message to a node.
//
// With a session the message goes out encrypted. Without one, a random
// packet is sent instead and the message is parked until the peer's
// WHOAREYOU challenge carries the handshake forward; either way the packet
// nonce is registered so the challenge can be correlated.
func (h *Handler) sendRequest(n *node.Node, msg Message) error {
	destID := n.ID()
	to := n.Addr()

	pending := &PendingRequest{
		Node:    n,
		Message: msg,
		SentAt:  time.Now(),
	}

	sess := h.sessions.Get(session.MakeKey(destID, to))
	if sess == nil {
		key := makeHandshakeKey(destID, to)

		// The map keeps only the latest parked request per (peer, address)
		// and logs when it replaces one. The earlier request's nonce stays
		// registered, so a challenge for it still starts a handshake: racing
		// requests to one peer each run a handshake of their own.
		h.hmu.Lock()
		if prev, exists := h.pendingHandshakes[key]; exists {
			h.logger.WithFields(logrus.Fields{
				"peerID": prev.node.PeerID(),
				"kind":   prev.message.Kind(),
			}).Debug("superseding in-flight handshake")
		}
		h.pendingHandshakes[key] = &pendingHandshake{
			node:      n,
			message:   msg,
			createdAt: time.Now(),
		}
		h.hmu.Unlock()

		packetBytes, nonce, err := EncodeRandomPacket(h.localNode.ID(), destID)
		if err != nil {
			return fmt.Errorf("failed to encode random packet: %w", err)
		}

		h.requests.RegisterPending(nonce, pending)
		return h.send(packetBytes, to)
	}

	plaintext, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	nonce, err := sess.NextNonce()
	if err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	header, err := BuildOrdinaryHeader(h.localNode.ID(), nonce)
	if err != nil {
		return fmt.Errorf("failed to build header: %w", err)
	}

	ciphertext, err := session.EncryptMessage(sess.WriteKey(), nonce, header.HeaderData, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt message: %w", err)
	}

	packetBytes, err := header.Seal(destID, ciphertext)
	if err != nil {
		return fmt.Errorf("failed to seal packet: %w", err)
	}

	h.requests.RegisterPending(nonce, pending)
	return h.send(packetBytes, to)
}

// sendResponse transmits a response message.
//
// Responses are only sent over an existing session; a response never
// initiates a handshake.
func (h *Handler) sendResponse(destID node.ID, to *net.UDPAddr, msg Message) {
	sess := h.sessions.Get(session.MakeKey(destID, to))
	if sess == nil {
		h.logger.WithField("to", to).Debug("dropping response without session")
		return
	}

	plaintext, err := EncodeMessage(msg)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode response")
		return
	}

	nonce, err := sess.NextNonce()
	if err != nil {
		h.logger.WithError(err).Error("failed to generate nonce")
		return
	}

	header, err := BuildOrdinaryHeader(h.localNode.ID(), nonce)
	if err != nil {
		h.logger.WithError(err).Error("failed to build header")
		return
	}

	ciphertext, err := session.EncryptMessage(sess.WriteKey(), nonce, header.HeaderData, plaintext)
	if err != nil {
		h.logger.WithError(err).Error("failed to encrypt response")
		return
	}

	packetBytes, err := header.Seal(destID, ciphertext)
	if err != nil {
		h.logger.WithError(err).Error("failed to seal response")
		return
	}

	if err := h.send(packetBytes, to); err != nil {
		h.logger.WithField("to", to).WithError(err).Debug("failed to send response")
	}
}

// send writes a packet to the transport. Transport errors are reported but
// never propagate into protocol state.
func (h *Handler) send(data []byte, to *net.UDPAddr) error {
	h.tmu.RLock()
	transport := h.transport
	h.tmu.RUnlock()

	if transport == nil {
		return ErrNoTransport
	}

	return transport.SendTo(data, to)
}

// cleanupLoop sweeps expired handshake state.
func (h *Handler) cleanupLoop() {
	ticker := time.NewTicker(handshakeCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanupHandshakes()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Handler) cleanupHandshakes() {
	now := time.Now()

	h.hmu.Lock()
	defer h.hmu.Unlock()

	for key, pending := range h.pendingHandshakes {
		if now.Sub(pending.createdAt) > h.handshakeTimeout {
			delete(h.pendingHandshakes, key)
		}
	}

	for key, challenge := range h.sentChallenges {
		if now.Sub(challenge.createdAt) > h.handshakeTimeout {
			delete(h.sentChallenges, key)
		}
	}
}
