package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a self-contained registry of the client's Prometheus
// collectors (grounded on the teacher's root metrics.go, rescoped from a
// server's connection/broadcast counters to a single client's connection
// FSM, message flow, and delta-compression effectiveness).
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionState   *prometheus.GaugeVec
	ReconnectAttempts prometheus.Counter
	ReconnectFailures prometheus.Counter

	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	EventsDispatched prometheus.Counter
	CallbackPanics   prometheus.Counter

	DeltaMessages    prometheus.Counter
	FullMessages     prometheus.Counter
	DeltaResyncs     prometheus.Counter
	BytesSaved       prometheus.Counter
	DeltaBytesActual prometheus.Counter

	AuthorizationFailures prometheus.Counter

	ProcessRSSBytes  prometheus.Gauge
	ProcessCPUPct    prometheus.Gauge
}

// NewMetrics registers every collector against a fresh registry so a
// process embedding multiple clients can run one registry per client
// without name collisions, or merge registries at the application layer.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "channels_connection_state",
			Help: "1 for the FSM's current state, 0 for all others",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_reconnect_attempts_total",
			Help: "Total reconnect attempts made",
		}),
		ReconnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_reconnect_failures_total",
			Help: "Total times reconnection gave up after exhausting its attempts",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_messages_received_total",
			Help: "Total frames received from the transport",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_messages_sent_total",
			Help: "Total frames written to the transport",
		}),
		EventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_events_dispatched_total",
			Help: "Total channel events routed for delivery to callbacks",
		}),
		CallbackPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_callback_panics_total",
			Help: "Total panics recovered from user callbacks",
		}),
		DeltaMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_delta_messages_total",
			Help: "Total delta-compressed messages reconstructed",
		}),
		FullMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_full_messages_total",
			Help: "Total full (non-delta) messages received on delta-enabled channels",
		}),
		DeltaResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_delta_resyncs_total",
			Help: "Total delta decode failures that forced a resync",
		}),
		BytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_delta_bytes_saved_total",
			Help: "Estimated bytes saved by delta compression versus the full payload size",
		}),
		DeltaBytesActual: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_delta_bytes_actual_total",
			Help: "Actual bytes received for delta-compressed messages",
		}),
		AuthorizationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channels_authorization_failures_total",
			Help: "Total channel authorization requests that failed",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channels_process_rss_bytes",
			Help: "Resident set size of the client process, sampled periodically",
		}),
		ProcessCPUPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channels_process_cpu_percent",
			Help: "Process CPU utilization percent, sampled periodically",
		}),
	}

	reg.MustRegister(
		m.ConnectionState,
		m.ReconnectAttempts,
		m.ReconnectFailures,
		m.MessagesReceived,
		m.MessagesSent,
		m.EventsDispatched,
		m.CallbackPanics,
		m.DeltaMessages,
		m.FullMessages,
		m.DeltaResyncs,
		m.BytesSaved,
		m.DeltaBytesActual,
		m.AuthorizationFailures,
		m.ProcessRSSBytes,
		m.ProcessCPUPct,
	)
	return m
}

// SetConnectionState zeroes every known state label and sets only the
// current one to 1, so a Prometheus query for this gauge always reflects
// exactly one active state.
func (m *Metrics) SetConnectionState(states []string, current string) {
	for _, s := range states {
		if s == current {
			m.ConnectionState.WithLabelValues(s).Set(1)
		} else {
			m.ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordDelta updates the delta-effectiveness counters for one
// delta-compressed message given the size of the delta payload received
// and the size the full payload would have been.
func (m *Metrics) RecordDelta(deltaBytes, fullEquivalentBytes int) {
	m.DeltaMessages.Inc()
	m.DeltaBytesActual.Add(float64(deltaBytes))
	if saved := fullEquivalentBytes - deltaBytes; saved > 0 {
		m.BytesSaved.Add(float64(saved))
	}
}
