// Package metrics exposes the prometheus counters of the discovery
// protocol. They are registered on the default registry and served by the
// status API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessageRequestsOutgoing counts self-initiated requests, labelled by
	// how they concluded.
	MessageRequestsOutgoing = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discv5_message_requests_outgoing",
		Help: "Outgoing message requests, by response outcome",
	}, []string{"response"})

	// MessageRequestsIncoming counts requests received from peers.
	MessageRequestsIncoming = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discv5_message_requests_incoming",
		Help: "Incoming message requests",
	})

	// UnsolicitedMessages counts responses that matched no open request.
	UnsolicitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discv5_unsolicited_messages",
		Help: "Response messages with no matching request",
	})

	// ENRAutoUpdate counts local record updates driven by the external
	// address vote.
	ENRAutoUpdate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discv5_enr_auto_update",
		Help: "Local ENR updates triggered by the IP majority vote",
	})
)

// Outcome labels for MessageRequestsOutgoing.
const (
	OutcomeReceived = "received"
	OutcomeTimeout  = "timeout"
	OutcomeMismatch = "mismatch"
)
