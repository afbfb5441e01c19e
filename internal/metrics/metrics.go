// Package metrics exposes prometheus collectors for session orchestration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the core's prometheus collectors. Each instance owns its own
// registry so several can coexist in one process (tests, embedded use).
type Metrics struct {
	registry *prometheus.Registry

	SessionsLive    prometheus.Gauge
	SpawnsTotal     prometheus.Counter
	SpawnFailures   prometheus.Counter
	ExitsTotal      prometheus.Counter
	OutputBytes     prometheus.Counter
	BlocksCommitted prometheus.Counter
	ErrorsDetected  prometheus.Counter
	BlockedPrompts  prometheus.Counter
	FlushFailures   prometheus.Counter
	OrphansReaped   *prometheus.CounterVec
	WSConnections   prometheus.Gauge
}

// New creates a metrics collector backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "kaizen_sessions_live",
			Help: "Sessions with a live shell process",
		}),
		SpawnsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "kaizen_spawns_total",
			Help: "Shell processes started",
		}),
		SpawnFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "kaizen_spawn_failures_total",
			Help: "Spawn attempts that failed",
		}),
		ExitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "kaizen_exits_total",
			Help: "Shell processes that exited on their own",
		}),
		OutputBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "kaizen_output_bytes_total",
			Help: "Raw bytes read from all shell processes",
		}),
		BlocksCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "kaizen_blocks_committed_total",
			Help: "Command blocks committed to history",
		}),
		ErrorsDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "kaizen_errors_detected_total",
			Help: "Output chunks classified as errors",
		}),
		BlockedPrompts: f.NewCounter(prometheus.CounterOpts{
			Name: "kaizen_blocked_prompts_total",
			Help: "Blocked-on-input notifications raised",
		}),
		FlushFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "kaizen_flush_failures_total",
			Help: "Ring buffer flushes that failed to reach disk",
		}),
		OrphansReaped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kaizen_orphans_reaped_total",
			Help: "Orphaned shells from a previous run, by signal that ended them",
		}, []string{"signal"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "kaizen_ws_connections",
			Help: "Connected websocket clients",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
