// Package metrics exposes Prometheus instrumentation for the messaging
// pipeline. Collectors are registered on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Handshake metrics
	HandshakesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmcore_handshakes_completed_total",
			Help: "Total completed session handshakes",
		},
		[]string{"role"}, // "initiator" or "responder"
	)

	HandshakeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmcore_handshake_failures_total",
			Help: "Total handshake attempts that failed authentication",
		},
	)

	// Envelope metrics
	EnvelopesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmcore_envelopes_sent_total",
			Help: "Total envelopes handed to the transport",
		},
	)

	EnvelopesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmcore_envelopes_received_total",
			Help: "Total envelopes decrypted and accepted",
		},
	)

	EnvelopesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmcore_envelopes_dropped_total",
			Help: "Total inbound envelopes dropped",
		},
		[]string{"reason"}, // "decrypt", "duplicate", "malformed"
	)

	// Delivery metrics
	AcksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmcore_acks_received_total",
			Help: "Total delivery acknowledgements received",
		},
	)

	RetriesAttempted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmcore_outbox_retries_total",
			Help: "Total outbox delivery retries",
		},
	)

	EntriesAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmcore_outbox_abandoned_total",
			Help: "Total outbox entries abandoned after exhausting retries",
		},
	)

	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmcore_outbox_depth",
			Help: "Entries currently queued in the outbox",
		},
	)
)
