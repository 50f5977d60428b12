package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnvelopesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_envelopes_published_total",
			Help: "Envelopes accepted by the fan-out publisher",
		},
		[]string{"kind"},
	)

	EnvelopesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_envelopes_delivered_total",
			Help: "Per-session local deliveries",
		},
	)

	DuplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_duplicates_suppressed_total",
			Help: "Envelopes skipped by the de-duplication window",
		},
	)

	SessionsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_sessions_dropped_total",
			Help: "Sessions disconnected for a saturated outbound buffer",
		},
	)

	MalformedPayloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_malformed_payloads_total",
			Help: "Broker payloads that failed to decode",
		},
	)

	BrokerPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_broker_publish_failures_total",
			Help: "Envelope publishes that the broker rejected or timed out",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_persist_failures_total",
			Help: "Message persistence failures surfaced to senders",
		},
	)
)
