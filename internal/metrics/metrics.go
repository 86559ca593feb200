// Package metrics provides Prometheus metrics for the collaboration engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the collaboration engine.
type Metrics struct {
	UpdatesApplied      prometheus.Counter
	UpdatesRejected     *prometheus.CounterVec
	BroadcastsSent      prometheus.Counter
	BroadcastsDropped   prometheus.Counter
	RateLimitDrops      prometheus.Counter
	PersistenceFailures prometheus.Counter
	ActiveRooms         prometheus.Gauge
	ConnectedClients    prometheus.Gauge
}

// New creates the collectors and registers them on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UpdatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_updates_applied_total",
			Help: "Total number of document updates accepted and merged",
		}),
		UpdatesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_updates_rejected_total",
			Help: "Total number of document updates dropped before the merge path",
		}, []string{"reason"}),
		BroadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_broadcasts_sent_total",
			Help: "Total number of messages fanned out to room peers",
		}),
		BroadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_broadcasts_dropped_total",
			Help: "Total number of per-peer sends dropped due to a full buffer",
		}),
		RateLimitDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_rate_limit_drops_total",
			Help: "Total number of client messages dropped by the rate limiter",
		}),
		PersistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_persistence_failures_total",
			Help: "Total number of failed snapshot or timeline writes",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_rooms",
			Help: "Number of rooms currently held in memory",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_connected_clients",
			Help: "Number of open websocket connections",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.UpdatesApplied,
			m.UpdatesRejected,
			m.BroadcastsSent,
			m.BroadcastsDropped,
			m.RateLimitDrops,
			m.PersistenceFailures,
			m.ActiveRooms,
			m.ConnectedClients,
		)
	}
	return m
}

// NewNop returns unregistered collectors for tests and optional wiring.
func NewNop() *Metrics {
	return New(nil)
}
