package venturelink

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instrumentation shared by the realtime
// components. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// StateTransitions counts connection state changes, labeled by target state.
	StateTransitions *prometheus.CounterVec
	// ReconnectAttempts counts scheduled automatic reconnects.
	ReconnectAttempts prometheus.Counter
	// ReconnectExhausted counts how often automatic reconnection gave up.
	ReconnectExhausted prometheus.Counter
	// FramesReceived counts raw inbound frames.
	FramesReceived prometheus.Counter
	// EventsDispatched counts routed envelopes, labeled by event type.
	EventsDispatched *prometheus.CounterVec
	// EventsDropped counts discarded frames, labeled by reason
	// ("malformed" or "unknown_type").
	EventsDropped *prometheus.CounterVec
	// HandlerPanics counts subscriber panics recovered during dispatch.
	HandlerPanics prometheus.Counter
	// OutboundQueueDepth tracks the number of frames awaiting transport acceptance.
	OutboundQueueDepth prometheus.Gauge
	// OutboundResults counts outbound frames by result ("sent", "rejected", "cancelled").
	OutboundResults *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venturelink_connection_state_transitions_total",
			Help: "Connection state transitions by target state",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venturelink_reconnect_attempts_total",
			Help: "Automatic reconnect attempts scheduled",
		}),
		ReconnectExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venturelink_reconnect_exhausted_total",
			Help: "Times automatic reconnection gave up",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venturelink_frames_received_total",
			Help: "Raw inbound frames received while connected",
		}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venturelink_events_dispatched_total",
			Help: "Inbound envelopes routed to subscribers",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venturelink_events_dropped_total",
			Help: "Inbound frames discarded before dispatch",
		}, []string{"reason"}), // reason = "malformed", "unknown_type"
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venturelink_handler_panics_total",
			Help: "Subscriber panics recovered during dispatch",
		}),
		OutboundQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "venturelink_outbound_queue_depth",
			Help: "Frames waiting for transport acceptance",
		}),
		OutboundResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venturelink_outbound_results_total",
			Help: "Outbound frames by result",
		}, []string{"result"}), // result = "sent", "rejected", "cancelled"
	}
	if reg != nil {
		reg.MustRegister(
			m.StateTransitions,
			m.ReconnectAttempts,
			m.ReconnectExhausted,
			m.FramesReceived,
			m.EventsDispatched,
			m.EventsDropped,
			m.HandlerPanics,
			m.OutboundQueueDepth,
			m.OutboundResults,
		)
	}
	return m
}

// Handler returns an HTTP handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) transition(state ConnectionState) {
	if m != nil {
		m.StateTransitions.WithLabelValues(string(state)).Inc()
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) reconnectExhausted() {
	if m != nil {
		m.ReconnectExhausted.Inc()
	}
}

func (m *Metrics) frameReceived() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

func (m *Metrics) dispatched(t EventType) {
	if m != nil {
		m.EventsDispatched.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) handlerPanicked() {
	if m != nil {
		m.HandlerPanics.Inc()
	}
}

func (m *Metrics) queueDepth(n int) {
	if m != nil {
		m.OutboundQueueDepth.Set(float64(n))
	}
}

func (m *Metrics) outbound(result string) {
	if m != nil {
		m.OutboundResults.WithLabelValues(result).Inc()
	}
}
