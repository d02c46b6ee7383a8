// Package metrics provides Prometheus metrics for Tunnelpilot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for Tunnelpilot.
type Metrics struct {
	// Session metrics
	StateTransitions *prometheus.CounterVec
	CurrentState     *prometheus.GaugeVec
	ConnectAttempts  *prometheus.CounterVec
	SessionDuration  prometheus.Gauge

	// Failover metrics
	FailoverAttempts  *prometheus.CounterVec
	FailoverExhausted prometheus.Counter

	// Engine metrics
	EngineStops *prometheus.CounterVec

	// Traffic metrics
	UploadBytes   prometheus.Gauge
	DownloadBytes prometheus.Gauge
	UploadRate    prometheus.Gauge
	DownloadRate  prometheus.Gauge

	// Credential metrics
	CertRefreshes *prometheus.CounterVec

	// System metrics
	Uptime prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	// Session metrics
	m.StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelpilot_state_transitions_total",
			Help: "Total number of tunnel state transitions",
		},
		[]string{"from", "to"},
	)

	m.CurrentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunnelpilot_current_state",
			Help: "Current tunnel state (1 = active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	m.ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelpilot_connect_attempts_total",
			Help: "Total number of connect attempts",
		},
		[]string{"protocol", "result"},
	)

	m.SessionDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelpilot_session_duration_seconds",
			Help: "Duration of the current session, 0 when disconnected",
		},
	)

	// Failover metrics
	m.FailoverAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelpilot_failover_attempts_total",
			Help: "Total number of endpoint attempts during failover",
		},
		[]string{"tier"},
	)

	m.FailoverExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnelpilot_failover_exhausted_total",
			Help: "Number of sessions that exhausted the endpoint pool",
		},
	)

	// Engine metrics
	m.EngineStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelpilot_engine_stops_total",
			Help: "Total number of tunnel engine process stops",
		},
		[]string{"reason"},
	)

	// Traffic metrics
	m.UploadBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelpilot_upload_bytes",
			Help: "Cumulative upload bytes of the current session",
		},
	)

	m.DownloadBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelpilot_download_bytes",
			Help: "Cumulative download bytes of the current session",
		},
	)

	m.UploadRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelpilot_upload_rate_bytes_per_second",
			Help: "Current upload rate",
		},
	)

	m.DownloadRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelpilot_download_rate_bytes_per_second",
			Help: "Current download rate",
		},
	)

	// Credential metrics
	m.CertRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelpilot_cert_refreshes_total",
			Help: "Total number of certificate refreshes",
		},
		[]string{"result"},
	)

	// System metrics
	m.Uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelpilot_uptime_seconds",
			Help: "Process uptime in seconds",
		},
	)

	// Register all metrics
	m.registry.MustRegister(
		m.StateTransitions,
		m.CurrentState,
		m.ConnectAttempts,
		m.SessionDuration,
		m.FailoverAttempts,
		m.FailoverExhausted,
		m.EngineStops,
		m.UploadBytes,
		m.DownloadBytes,
		m.UploadRate,
		m.DownloadRate,
		m.CertRefreshes,
		m.Uptime,
	)

	// Register default Go metrics
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTransition records a state transition and flips the per-state
// gauge so that only the new state reads 1.
func (m *Metrics) ObserveTransition(from, to string, states []string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
	for _, s := range states {
		v := 0.0
		if s == to {
			v = 1.0
		}
		m.CurrentState.WithLabelValues(s).Set(v)
	}
}

// ObserveTraffic publishes the latest traffic sample.
func (m *Metrics) ObserveTraffic(uploadBytes, downloadBytes uint64, uploadRate, downloadRate float64) {
	m.UploadBytes.Set(float64(uploadBytes))
	m.DownloadBytes.Set(float64(downloadBytes))
	m.UploadRate.Set(uploadRate)
	m.DownloadRate.Set(downloadRate)
}
