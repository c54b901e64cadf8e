// Package metrics exposes sync engine activity as prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "liftsync"

// Metrics holds the collectors fed by the engine. Each instance owns its
// registry so several engines (and tests) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	cycles   *prometheus.CounterVec
	pushed   prometheus.Counter
	pulled   prometheus.Counter
	errors   prometheus.Counter
	pending  prometheus.Gauge
	failed   prometheus.Gauge
	duration *prometheus.HistogramVec
	lastSync prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles run, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		pushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushed_total",
			Help:      "Local mutations accepted by the backend.",
		}),
		pulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulled_total",
			Help:      "Remote changes applied locally.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_errors_total",
			Help:      "Per-item errors collected during sync cycles.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Queue items eligible for push.",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_failed",
			Help:      "Queue items parked at the retry ceiling.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of sync cycles.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sync_timestamp_seconds",
			Help:      "Completion time of the last sync cycle.",
		}),
	}

	m.registry.MustRegister(m.cycles, m.pushed, m.pulled, m.errors, m.pending, m.failed, m.duration, m.lastSync)

	return m
}

// ObserveCycle records the outcome of one sync or full sync.
func (m *Metrics) ObserveCycle(mode string, result models.SyncResult, took time.Duration) {
	outcome := "success"
	if !result.Success {
		outcome = "error"
	}

	m.cycles.WithLabelValues(mode, outcome).Inc()
	m.pushed.Add(float64(result.Pushed))
	m.pulled.Add(float64(result.Pulled))
	m.errors.Add(float64(len(result.Errors)))
	m.duration.WithLabelValues(mode).Observe(took.Seconds())
	m.lastSync.SetToCurrentTime()
}

// SetQueueDepth updates the queue gauges.
func (m *Metrics) SetQueueDepth(pending, failed int) {
	m.pending.Set(float64(pending))
	m.failed.Set(float64(failed))
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
