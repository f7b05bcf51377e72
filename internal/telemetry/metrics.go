// Package telemetry exposes fleet's own Prometheus counters.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds fleet's collectors. A nil *Metrics is valid and records
// nothing, so callers never need to guard.
type Metrics struct {
	registry             *prometheus.Registry
	connectAttemptsTotal *prometheus.CounterVec
	commandsBlockedTotal prometheus.Counter
	transfersTotal       *prometheus.CounterVec
	probeFailuresTotal   *prometheus.CounterVec
	jobDurationSeconds   *prometheus.HistogramVec
}

// NewMetrics constructs a registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	connectAttemptsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "connect_attempts_total",
			Help:      "SSH connection attempts by session kind and result.",
		},
		[]string{"kind", "result"},
	)
	commandsBlockedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "commands_blocked_total",
			Help:      "Terminal commands rejected by the safety filter.",
		},
	)
	transfersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "transfers_total",
			Help:      "Finished file transfers by direction and terminal status.",
		},
		[]string{"direction", "status"},
	)
	probeFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "probe_failures_total",
			Help:      "Metrics and discovery probes that failed and degraded a field.",
		},
		[]string{"probe"},
	)
	jobDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Background job runtime including retries.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 1800, 7200},
		},
		[]string{"job", "result"},
	)

	registry.MustRegister(
		connectAttemptsTotal,
		commandsBlockedTotal,
		transfersTotal,
		probeFailuresTotal,
		jobDurationSeconds,
	)

	return &Metrics{
		registry:             registry,
		connectAttemptsTotal: connectAttemptsTotal,
		commandsBlockedTotal: commandsBlockedTotal,
		transfersTotal:       transfersTotal,
		probeFailuresTotal:   probeFailuresTotal,
		jobDurationSeconds:   jobDurationSeconds,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncConnectAttempt(kind, result string) {
	if m == nil {
		return
	}
	m.connectAttemptsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IncCommandBlocked() {
	if m == nil {
		return
	}
	m.commandsBlockedTotal.Inc()
}

func (m *Metrics) IncTransfer(direction, status string) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(direction, status).Inc()
}

func (m *Metrics) IncProbeFailure(probe string) {
	if m == nil {
		return
	}
	m.probeFailuresTotal.WithLabelValues(probe).Inc()
}

func (m *Metrics) ObserveJob(job, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDurationSeconds.WithLabelValues(job, result).Observe(duration.Seconds())
}
