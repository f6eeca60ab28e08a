// Package metrics exposes Prometheus metrics and health endpoints for
// sessions and relays.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/pipeline"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/relay"
)

var (
	_ pipeline.MetricsRecorder = (*Metrics)(nil)
	_ relay.MetricsRecorder    = (*Metrics)(nil)
)

// Metrics holds all Prometheus metrics of a feldera-pipe process. It
// implements both pipeline.MetricsRecorder and relay.MetricsRecorder.
type Metrics struct {
	RowsPushed         *prometheus.CounterVec
	BatchesReceived    *prometheus.CounterVec
	ChangesReceived    *prometheus.CounterVec
	SessionErrors      *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	SessionState       *prometheus.GaugeVec
	EventsProcessed    *prometheus.CounterVec
	EventsErrored      *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	RelayStatus        prometheus.Gauge
	SourceConnected    prometheus.Gauge
	SinkConnected      prometheus.Gauge

	mu     sync.Mutex
	states map[string]string // last state per session
}

// NewMetrics creates the metrics of the named process and registers them
// with reg. A nil reg uses the default registerer.
func NewMetrics(name string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"relay": name}

	return &Metrics{
		RowsPushed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feldera_pipe_rows_pushed_total",
				Help: "Total number of rows pushed into session tables",
			},
			[]string{"session", "table"},
		),
		BatchesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feldera_pipe_batches_received_total",
				Help: "Total number of output batches received from session views",
			},
			[]string{"session", "view"},
		),
		ChangesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feldera_pipe_changes_received_total",
				Help: "Total number of changes received from session views",
			},
			[]string{"session", "view"},
		),
		SessionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feldera_pipe_session_errors_total",
				Help: "Total number of failed session operations",
			},
			[]string{"session", "operation", "error_type"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feldera_pipe_session_operation_duration_seconds",
				Help:    "Time taken by session operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"session", "operation"},
		),
		SessionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feldera_pipe_session_state",
				Help: "Session state: 1 for the current state, 0 otherwise",
			},
			[]string{"session", "state"},
		),
		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feldera_pipe_events_processed_total",
				Help: "Total number of source events processed by operation type",
			},
			[]string{"relay", "operation"},
		),
		EventsErrored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feldera_pipe_events_errored_total",
				Help: "Total number of relay errors",
			},
			[]string{"relay", "component", "error_type"},
		),
		ProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feldera_pipe_event_processing_duration_seconds",
				Help:    "Time taken to process events",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"relay", "component"},
		),
		RelayStatus: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "feldera_pipe_relay_status",
				Help:        "Relay status: 1 for running, 0 for stopped",
				ConstLabels: constLabels,
			},
		),
		SourceConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "feldera_pipe_source_connected",
				Help:        "Source connection status: 1 for connected, 0 for disconnected",
				ConstLabels: constLabels,
			},
		),
		SinkConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "feldera_pipe_sink_connected",
				Help:        "Sink connection status: 1 for connected, 0 for disconnected",
				ConstLabels: constLabels,
			},
		),
		states: make(map[string]string),
	}
}

// RecordRowsPushed records rows pushed into a table
func (m *Metrics) RecordRowsPushed(session, table string, rows int) {
	m.RowsPushed.WithLabelValues(session, table).Add(float64(rows))
}

// RecordBatchReceived records an output batch of a view
func (m *Metrics) RecordBatchReceived(session, view string, changes int) {
	m.BatchesReceived.WithLabelValues(session, view).Inc()
	m.ChangesReceived.WithLabelValues(session, view).Add(float64(changes))
}

// RecordError records a failed session operation
func (m *Metrics) RecordError(session, operation, errorType string) {
	m.SessionErrors.WithLabelValues(session, operation, errorType).Inc()
}

// RecordOperationDuration records the duration of a session operation
func (m *Metrics) RecordOperationDuration(session, operation string, seconds float64) {
	m.OperationDuration.WithLabelValues(session, operation).Observe(seconds)
}

// SetSessionState moves the session's state gauge to state.
func (m *Metrics) SetSessionState(session, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.states[session]; ok && prev != state {
		m.SessionState.WithLabelValues(session, prev).Set(0)
	}
	m.states[session] = state
	m.SessionState.WithLabelValues(session, state).Set(1)
}

// RecordEventProcessed records a successfully processed event
func (m *Metrics) RecordEventProcessed(relayName, operation string) {
	m.EventsProcessed.WithLabelValues(relayName, operation).Inc()
}

// RecordEventError records a relay error
func (m *Metrics) RecordEventError(relayName, component, errorType string) {
	m.EventsErrored.WithLabelValues(relayName, component, errorType).Inc()
}

// RecordProcessingDuration records the duration of event processing
func (m *Metrics) RecordProcessingDuration(relayName, component string, duration float64) {
	m.ProcessingDuration.WithLabelValues(relayName, component).Observe(duration)
}

// SetRelayRunning sets the relay status to running (1) or stopped (0)
func (m *Metrics) SetRelayRunning(running bool) {
	setBool(m.RelayStatus, running)
}

// SetSourceConnected sets the source connection status
func (m *Metrics) SetSourceConnected(connected bool) {
	setBool(m.SourceConnected, connected)
}

// SetSinkConnected sets the sink connection status
func (m *Metrics) SetSinkConnected(connected bool) {
	setBool(m.SinkConnected, connected)
}

func setBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
