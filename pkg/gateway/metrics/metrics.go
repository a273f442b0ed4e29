// Package metrics exposes the bridge's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Inbound audio outcomes.
const (
	AudioForwarded = "forwarded"
	AudioFiltered  = "filtered"
	AudioIgnored   = "ignored"
	AudioDropped   = "dropped"
)

// Metrics holds all Prometheus metrics for the bridge. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	EngineEventsTotal     *prometheus.CounterVec
	OutboundFramesTotal   *prometheus.CounterVec
	DroppedFramesTotal    *prometheus.CounterVec
	InboundAudioTotal     *prometheus.CounterVec
	HandshakeFailures     *prometheus.CounterVec
	ConnectionsActive     *prometheus.GaugeVec
	SessionOpenErrorTotal prometheus.Counter
}

// New creates a Metrics instance. sessions, when non-nil, backs the active
// sessions gauge.
func New(namespace string, sessions func() int) *Metrics {
	if namespace == "" {
		namespace = "meetbridge"
	}

	registry := prometheus.NewRegistry()

	engineEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_events_total",
			Help:      "Engine events consumed by event pumps",
		},
		[]string{"kind"},
	)

	outbound := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_frames_total",
			Help:      "Frames handed to bound sockets",
		},
		[]string{"channel", "kind", "result"},
	)

	dropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped because a socket queue was full",
		},
		[]string{"channel"},
	)

	inboundAudio := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_audio_chunks_total",
			Help:      "Inbound platform audio chunks by outcome",
		},
		[]string{"result"},
	)

	handshakeFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Sockets closed for a bad or missing handshake",
		},
		[]string{"channel"},
	)

	connections := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open bridge sockets",
		},
		[]string{"channel"},
	)

	openErrors := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_open_errors_total",
			Help:      "Failed engine session opens",
		},
	)

	registry.MustRegister(
		engineEvents,
		outbound,
		dropped,
		inboundAudio,
		handshakeFailures,
		connections,
		openErrors,
	)
	if sessions != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Engine sessions held by the registry",
			},
			func() float64 { return float64(sessions()) },
		))
	}

	return &Metrics{
		registry:              registry,
		EngineEventsTotal:     engineEvents,
		OutboundFramesTotal:   outbound,
		DroppedFramesTotal:    dropped,
		InboundAudioTotal:     inboundAudio,
		HandshakeFailures:     handshakeFailures,
		ConnectionsActive:     connections,
		SessionOpenErrorTotal: openErrors,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// EngineEvent and Outbound make *Metrics a pump.Observer.
func (m *Metrics) EngineEvent(kind string) {
	if m == nil {
		return
	}
	m.EngineEventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Outbound(channel, kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OutboundFramesTotal.WithLabelValues(channel, kind, result).Inc()
}

// DropHook returns a func counting queue-full drops on channel.
func (m *Metrics) DropHook(channel string) func() {
	if m == nil {
		return nil
	}
	c := m.DroppedFramesTotal.WithLabelValues(channel)
	return c.Inc
}

func (m *Metrics) InboundAudio(result string) {
	if m == nil {
		return
	}
	m.InboundAudioTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) HandshakeFailed(channel string) {
	if m == nil {
		return
	}
	m.HandshakeFailures.WithLabelValues(channel).Inc()
}

// ConnOpened increments the open socket gauge and returns its decrement.
func (m *Metrics) ConnOpened(channel string) (closed func()) {
	if m == nil {
		return func() {}
	}
	g := m.ConnectionsActive.WithLabelValues(channel)
	g.Inc()
	return g.Dec
}

func (m *Metrics) SessionOpenFailed() {
	if m == nil {
		return
	}
	m.SessionOpenErrorTotal.Inc()
}
