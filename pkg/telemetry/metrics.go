// Package telemetry exposes prometheus collectors for the in-memory
// registries. Collectors live on the default registry; the daemon
// serves them via promhttp.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveIndicators tracks live typing indicators across all chats.
	ActiveIndicators = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatstate_presence_active_indicators",
		Help: "Number of live typing indicators.",
	})

	// PresenceEvents counts presence mutations by kind.
	PresenceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstate_presence_events_total",
		Help: "Presence mutations by kind (start, update, stop, expire).",
	}, []string{"kind"})

	// SweepDuration observes background sweep latency by sweep name.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatstate_sweep_duration_seconds",
		Help:    "Duration of background sweeps.",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})

	// HubDeliveries counts events fanned out to subscribers.
	HubDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstate_hub_deliveries_total",
		Help: "Events delivered to hub subscribers.",
	})

	// Threads tracks threads by lifecycle status.
	Threads = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatstate_threads",
		Help: "Threads by status.",
	}, []string{"status"})

	// Interactions counts durable-history records by outcome.
	Interactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstate_interactions_total",
		Help: "Interaction records by outcome (recorded, failed).",
	}, []string{"outcome"})
)
