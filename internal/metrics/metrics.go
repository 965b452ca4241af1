// Package metrics wraps the Prometheus collectors exposed on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups the coordination core's collectors. Collectors register on
// a private prometheus.Registry so constructing more than one Registry (as
// tests do) never collides.
type Registry struct {
	Connections connectionMetrics
	Signaling   signalingMetrics
	Leadership  leadershipMetrics
	Reaper      reaperMetrics

	prom *prometheus.Registry
}

type connectionMetrics struct {
	Active        prometheus.Gauge
	Registrations *prometheus.CounterVec
	Replaced      prometheus.Counter
	UpgradeDenied prometheus.Counter
}

type signalingMetrics struct {
	RelayedLocal    prometheus.Counter
	RelayedQueued   prometheus.Counter
	QueueDelivered  prometheus.Counter
	QueueDropped    prometheus.Counter
	UnknownVerbs    prometheus.Counter
	MalformedFrames prometheus.Counter
}

type leadershipMetrics struct {
	Changes          prometheus.Counter
	HeartbeatsDenied prometheus.Counter
	Expirations      prometheus.Counter
	Broadcasts       prometheus.Counter
}

type reaperMetrics struct {
	Sweeps    prometheus.Counter
	Evictions prometheus.Counter
}

// New creates the collectors.
func New() *Registry {
	prom := prometheus.NewRegistry()
	promauto := promauto.With(prom)
	return &Registry{
		prom: prom,
		Connections: connectionMetrics{
			Active: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "synthmesh_connections_active",
				Help: "Number of locally attached WebSocket clients",
			}),
			Registrations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "synthmesh_registrations_total",
				Help: "Total register verbs processed, by client type",
			}, []string{"client_type"}),
			Replaced: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_connections_replaced_total",
				Help: "Total sockets closed because the same id re-registered",
			}),
			UpgradeDenied: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_upgrades_denied_total",
				Help: "Total /signal upgrades rejected by the rate limiter",
			}),
		},
		Signaling: signalingMetrics{
			RelayedLocal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_signaling_relayed_local_total",
				Help: "Signaling frames delivered to a locally attached peer",
			}),
			RelayedQueued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_signaling_relayed_queued_total",
				Help: "Signaling frames queued through the shared KV",
			}),
			QueueDelivered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_queue_delivered_total",
				Help: "Queued messages drained and delivered by the poller",
			}),
			QueueDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_queue_dropped_total",
				Help: "Queued messages dropped because delivery failed",
			}),
			UnknownVerbs: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_unknown_verbs_total",
				Help: "Inbound frames with an unknown type field",
			}),
			MalformedFrames: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_malformed_frames_total",
				Help: "Inbound frames that failed JSON parsing",
			}),
		},
		Leadership: leadershipMetrics{
			Changes: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_leadership_changes_total",
				Help: "Controller leadership transitions (including releases)",
			}),
			HeartbeatsDenied: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_leadership_heartbeats_denied_total",
				Help: "Heartbeats rejected because the sender is not the leader",
			}),
			Expirations: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_leadership_expirations_total",
				Help: "Leadership records expired by heartbeat timeout",
			}),
			Broadcasts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_leadership_broadcasts_total",
				Help: "active-controller frames sent to locally attached synths",
			}),
		},
		Reaper: reaperMetrics{
			Sweeps: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_reaper_sweeps_total",
				Help: "Reaper sweeps executed",
			}),
			Evictions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "synthmesh_reaper_evictions_total",
				Help: "Synth records removed by the reaper",
			}),
		},
	}
}

// Handler returns the HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}
