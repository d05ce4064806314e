// Package metrics defines the Prometheus instrumentation for the broadcast
// connection layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	// Admission metrics
	ConnectionsAdmitted *prometheus.CounterVec
	AdmissionErrors     *prometheus.CounterVec
	ActiveConnections   *prometheus.GaugeVec

	// Lifecycle metrics
	StateTransitions  *prometheus.CounterVec
	HeartbeatTimeouts prometheus.Counter
	ConnectionAge     prometheus.Histogram

	// Refresh metrics
	RefreshWindowsStarted  prometheus.Counter
	RefreshWindowsSwitched prometheus.Counter
	RefreshWindowsFailed   prometheus.Counter
	RefreshRetries         prometheus.Counter
	RefreshSwitchDuration  prometheus.Histogram

	// Audio metrics
	ChunksRelayed    *prometheus.CounterVec
	ChunksDuplicated prometheus.Counter
	BufferOverflows  *prometheus.CounterVec
}

// New creates and registers all metrics against the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests supply their own registry
// so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linguacast_connections_admitted_total",
			Help: "Total number of connections admitted, by role",
		}, []string{"role"}),
		AdmissionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linguacast_admission_errors_total",
			Help: "Total number of refused connection attempts, by reason",
		}, []string{"reason"}),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "linguacast_active_connections",
			Help: "Current number of live connections, by role",
		}, []string{"role"}),

		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linguacast_lifecycle_transitions_total",
			Help: "Total number of connection state transitions",
		}, []string{"from", "to"}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "linguacast_heartbeat_timeouts_total",
			Help: "Total number of connections closed for missed heartbeats",
		}),
		ConnectionAge: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "linguacast_connection_age_seconds",
			Help:    "Age of connections at close",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1s to ~4.5h
		}),

		RefreshWindowsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "linguacast_refresh_windows_started_total",
			Help: "Total number of connection refresh windows opened",
		}),
		RefreshWindowsSwitched: factory.NewCounter(prometheus.CounterOpts{
			Name: "linguacast_refresh_windows_switched_total",
			Help: "Total number of refresh windows that completed a switch",
		}),
		RefreshWindowsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "linguacast_refresh_windows_failed_total",
			Help: "Total number of refresh windows abandoned after retries",
		}),
		RefreshRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "linguacast_refresh_retries_total",
			Help: "Total number of refresh window retry attempts",
		}),
		RefreshSwitchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "linguacast_refresh_switch_duration_seconds",
			Help:    "Time from window open to acknowledged switch",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7m
		}),

		ChunksRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linguacast_chunks_relayed_total",
			Help: "Total number of audio chunks relayed to listeners, by language",
		}, []string{"language"}),
		ChunksDuplicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "linguacast_chunks_duplicated_total",
			Help: "Total number of duplicate chunks discarded by sequence dedup",
		}),
		BufferOverflows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linguacast_buffer_overflows_total",
			Help: "Total number of buffer overflow evictions, by buffer",
		}, []string{"buffer"}),
	}
}

// RecordAdmission increments the admitted counter and the active gauge.
func (m *Metrics) RecordAdmission(role string) {
	m.ConnectionsAdmitted.WithLabelValues(role).Inc()
	m.ActiveConnections.WithLabelValues(role).Inc()
}

// RecordRelease decrements the active gauge and observes connection age.
func (m *Metrics) RecordRelease(role string, ageSeconds float64) {
	m.ActiveConnections.WithLabelValues(role).Dec()
	m.ConnectionAge.Observe(ageSeconds)
}

// RecordAdmissionError increments the refusal counter for a reason.
func (m *Metrics) RecordAdmissionError(reason string) {
	m.AdmissionErrors.WithLabelValues(reason).Inc()
}

// RecordTransition increments the state transition counter.
func (m *Metrics) RecordTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordSwitch observes a completed refresh switch.
func (m *Metrics) RecordSwitch(durationSeconds float64) {
	m.RefreshWindowsSwitched.Inc()
	m.RefreshSwitchDuration.Observe(durationSeconds)
}
