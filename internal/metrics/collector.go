package gwmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gogt06"
	subsystem = "gateway"
)

// Label names for gateway metrics. Device identity (IMEI) is deliberately
// never a label: a fleet of tens of thousands of trackers would explode
// series cardinality. Per-device detail lives on the bus, not in metrics.
const (
	labelKind   = "kind"
	labelReason = "reason"
	labelTopic  = "topic"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Gateway Metrics
// -------------------------------------------------------------------------

// Collector holds all gateway Prometheus metrics.
//
// Metrics are designed for fleet-scale monitoring:
//   - Connection and session gauges track live devices.
//   - Frame counters track decode volume and failure modes.
//   - Bus counters track published, shed, and dropped records.
//   - Command counters track delivery, retry, and failure volumes.
type Collector struct {
	// Connections tracks currently open device TCP connections,
	// authenticated or not.
	Connections prometheus.Gauge

	// Sessions tracks currently authenticated device sessions.
	Sessions prometheus.Gauge

	// BytesRead counts bytes received from devices.
	BytesRead prometheus.Counter

	// Frames counts structurally complete frames by decoded message kind.
	Frames *prometheus.CounterVec

	// DecodeFailures counts frames that failed typed decoding, by failure
	// reason (truncated, unknown_protocol, crc_mismatch, invalid_bcd).
	DecodeFailures *prometheus.CounterVec

	// NoiseBytes counts bytes skipped while hunting for a start marker.
	NoiseBytes prometheus.Counter

	// ConnectionsClosed counts closed connections by reason (eof,
	// read_timeout, protocol_violation, replaced, reaped, shutdown).
	ConnectionsClosed *prometheus.CounterVec

	// EventsPublished counts records published to the bus per topic.
	EventsPublished *prometheus.CounterVec

	// EventsDropped counts records shed or abandoned per topic and reason
	// (queue_full, retry_exhausted).
	EventsDropped *prometheus.CounterVec

	// CommandsDelivered counts commands written to a device socket.
	CommandsDelivered prometheus.Counter

	// CommandsRetried counts command delivery attempts that were requeued.
	CommandsRetried prometheus.Counter

	// CommandsFailed counts commands that exhausted their retries.
	CommandsFailed prometheus.Counter

	// SessionsReaped counts sessions closed by the idle reaper.
	SessionsReaped prometheus.Counter
}

// NewCollector creates a Collector with all gateway metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gogt06_gateway_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.Sessions,
		c.BytesRead,
		c.Frames,
		c.DecodeFailures,
		c.NoiseBytes,
		c.ConnectionsClosed,
		c.EventsPublished,
		c.EventsDropped,
		c.CommandsDelivered,
		c.CommandsRetried,
		c.CommandsFailed,
		c.SessionsReaped,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently open device connections.",
		}),

		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently authenticated device sessions.",
		}),

		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_read_total",
			Help:      "Total bytes received from devices.",
		}),

		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_total",
			Help:      "Total structurally complete frames by decoded message kind.",
		}, []string{labelKind}),

		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decode_failures_total",
			Help:      "Total frames that failed typed decoding, by reason.",
		}, []string{labelReason}),

		NoiseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "noise_bytes_total",
			Help:      "Total bytes discarded while searching for a frame start marker.",
		}),

		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_closed_total",
			Help:      "Total device connections closed, by reason.",
		}, []string{labelReason}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_published_total",
			Help:      "Total records published to the bus, per topic.",
		}, []string{labelTopic}),

		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_dropped_total",
			Help:      "Total records shed or abandoned, per topic and reason.",
		}, []string{labelTopic, labelReason}),

		CommandsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_delivered_total",
			Help:      "Total online commands written to a device socket.",
		}),

		CommandsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_retried_total",
			Help:      "Total command delivery attempts that were requeued.",
		}),

		CommandsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_failed_total",
			Help:      "Total commands that exhausted their delivery retries.",
		}),

		SessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_reaped_total",
			Help:      "Total sessions closed by the idle reaper.",
		}),
	}
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// ConnOpened increments the open connections gauge.
func (c *Collector) ConnOpened() {
	c.Connections.Inc()
}

// ConnClosed decrements the open connections gauge and records the close
// reason.
func (c *Collector) ConnClosed(reason string) {
	c.Connections.Dec()
	c.ConnectionsClosed.WithLabelValues(reason).Inc()
}

// SessionUp increments the authenticated sessions gauge. Called when a
// login completes.
func (c *Collector) SessionUp() {
	c.Sessions.Inc()
}

// SessionDown decrements the authenticated sessions gauge.
func (c *Collector) SessionDown() {
	c.Sessions.Dec()
}

// -------------------------------------------------------------------------
// Frame Counters
// -------------------------------------------------------------------------

// IncFrame increments the frame counter for the decoded message kind.
func (c *Collector) IncFrame(kind string) {
	c.Frames.WithLabelValues(kind).Inc()
}

// IncDecodeFailure increments the decode failure counter for the reason.
func (c *Collector) IncDecodeFailure(reason string) {
	c.DecodeFailures.WithLabelValues(reason).Inc()
}

// AddBytesRead adds n to the received bytes counter.
func (c *Collector) AddBytesRead(n int) {
	c.BytesRead.Add(float64(n))
}

// AddNoiseBytes adds n to the discarded noise counter.
func (c *Collector) AddNoiseBytes(n uint64) {
	c.NoiseBytes.Add(float64(n))
}

// -------------------------------------------------------------------------
// Bus Counters
// -------------------------------------------------------------------------

// IncPublished increments the published records counter for the topic.
func (c *Collector) IncPublished(topic string) {
	c.EventsPublished.WithLabelValues(topic).Inc()
}

// IncDropped increments the dropped records counter for the topic and
// reason.
func (c *Collector) IncDropped(topic, reason string) {
	c.EventsDropped.WithLabelValues(topic, reason).Inc()
}

// -------------------------------------------------------------------------
// Command Counters
// -------------------------------------------------------------------------

// IncCommandDelivered increments the delivered commands counter.
func (c *Collector) IncCommandDelivered() {
	c.CommandsDelivered.Inc()
}

// IncCommandRetried increments the requeued command attempts counter.
func (c *Collector) IncCommandRetried() {
	c.CommandsRetried.Inc()
}

// IncCommandFailed increments the exhausted commands counter.
func (c *Collector) IncCommandFailed() {
	c.CommandsFailed.Inc()
}

// -------------------------------------------------------------------------
// Reaper
// -------------------------------------------------------------------------

// IncReaped increments the reaped sessions counter.
func (c *Collector) IncReaped() {
	c.SessionsReaped.Inc()
}
