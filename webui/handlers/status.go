// Package handlers implements the JSON endpoints of the status API.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bauerj/nim-eth/discv5"
)

// StatusHandler serves read-only views of a discovery service.
type StatusHandler struct {
	service *discv5.Service
}

// NewStatusHandler creates a handler for the given service.
func NewStatusHandler(service *discv5.Service) *StatusHandler {
	return &StatusHandler{service: service}
}

// OverviewResponse is the payload of GET /.
type OverviewResponse struct {
	PeerID        string `json:"peerId"`
	NodeID        string `json:"nodeId"`
	Address       string `json:"address"`
	ENRSeq        uint64 `json:"enrSeq"`
	TableNodes    int    `json:"tableNodes"`
	BucketsFilled int    `json:"bucketsFilled"`
	Sessions      int    `json:"sessions"`

	PacketsSent     uint64 `json:"packetsSent"`
	PacketsReceived uint64 `json:"packetsReceived"`
	RateLimited     uint64 `json:"rateLimited"`
}

// Overview serves a summary of the node.
func (h *StatusHandler) Overview(w http.ResponseWriter, r *http.Request) {
	local := h.service.LocalNode()

	resp := &OverviewResponse{
		PeerID:        local.PeerID(),
		NodeID:        local.ID().String(),
		Address:       local.Addr().String(),
		ENRSeq:        local.Seq(),
		TableNodes:    h.service.Table().Len(),
		BucketsFilled: h.service.Table().BucketsFilled(),
		Sessions:      h.service.Sessions().Count(),
	}

	if t := h.service.Transport(); t != nil {
		snapshot := t.Metrics().Snapshot()
		resp.PacketsSent = snapshot.PacketsSent
		resp.PacketsReceived = snapshot.PacketsReceived
		resp.RateLimited = snapshot.RateLimited
	}

	writeJSON(w, resp)
}

// NodeEntry is one routing-table resident in GET /nodes.
type NodeEntry struct {
	PeerID   string `json:"peerId"`
	NodeID   string `json:"nodeId"`
	Address  string `json:"address"`
	ENRSeq   uint64 `json:"enrSeq"`
	Bucket   int    `json:"bucket"`
	LastSeen string `json:"lastSeen,omitempty"`
	Failures int    `json:"failures"`
}

// Nodes dumps the routing table grouped by bucket.
func (h *StatusHandler) Nodes(w http.ResponseWriter, r *http.Request) {
	var entries []NodeEntry

	for bucket, nodes := range h.service.Table().Dump() {
		for _, n := range nodes {
			entry := NodeEntry{
				PeerID:   n.PeerID(),
				NodeID:   n.ID().String(),
				Address:  n.Addr().String(),
				ENRSeq:   n.Seq(),
				Bucket:   bucket,
				Failures: n.FailureCount(),
			}

			if lastSeen := n.LastSeen(); !lastSeen.IsZero() {
				entry.LastSeen = lastSeen.Format(time.RFC3339)
			}

			entries = append(entries, entry)
		}
	}

	writeJSON(w, entries)
}

// ENRResponse is the payload of GET /enr.
type ENRResponse struct {
	ENR string `json:"enr"`
	Seq uint64 `json:"seq"`
}

// ENR serves the local record in its textual form.
func (h *StatusHandler) ENR(w http.ResponseWriter, r *http.Request) {
	record := h.service.LocalNode().Record()

	encoded, err := record.EncodeBase64()
	if err != nil {
		http.Error(w, "failed to encode record", http.StatusInternalServerError)
		return
	}

	writeJSON(w, &ENRResponse{ENR: encoded, Seq: record.Seq()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
	}
}
