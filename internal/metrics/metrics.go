// Package metrics provides Prometheus instrumentation for the bridge. It
// exposes counters for session and worker lifecycle events, a gauge for
// in-flight workers, and histograms for invocation latency and reaper tick
// duration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsCreated counts sessions created by initialization calls.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_sessions_created_total",
		Help: "Total number of sessions created",
	})

	// SessionMisses counts calls that hit a missing or expired session.
	SessionMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_session_misses_total",
		Help: "Total number of calls against a missing or expired session",
	})

	// WorkersActive tracks the number of worker processes currently alive
	// on this instance.
	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_workers_active",
		Help: "Current number of live worker processes",
	})

	// WorkerSpawns counts spawn attempts, labeled by outcome: "ok" or
	// "error".
	WorkerSpawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_worker_spawns_total",
		Help: "Total number of worker spawn attempts",
	}, []string{"outcome"}) // outcome = "ok", "error"

	// WorkerTimeouts counts invocations that exceeded their deadline and
	// had their worker force-terminated.
	WorkerTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_worker_timeouts_total",
		Help: "Total number of invocations terminated on timeout",
	})

	// InvokeDuration records tool invocation latency in seconds.
	InvokeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_invoke_duration_seconds",
		Help:    "Tool invocation latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// OrphansReaped counts workers terminated by the orphan reaper.
	OrphansReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_orphans_reaped_total",
		Help: "Total number of orphaned workers reaped",
	})

	// ReaperTickDuration records how long each reaper tick took.
	ReaperTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_reaper_tick_duration_seconds",
		Help:    "Duration of orphan reaper ticks in seconds",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})
)

func init() {
	prometheus.MustRegister(
		SessionsCreated,
		SessionMisses,
		WorkersActive,
		WorkerSpawns,
		WorkerTimeouts,
		InvokeDuration,
		OrphansReaped,
		ReaperTickDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
