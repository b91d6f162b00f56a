package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records presence activity in Prometheus. It implements
// presence.Recorder.
type Metrics struct {
	connections   prometheus.Gauge
	users         prometheus.Gauge
	rooms         prometheus.Gauge
	joinAttempts  *prometheus.CounterVec
	relayed       *prometheus.CounterVec
	droppedFrames prometheus.Counter
	rateLimited   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomchat",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomchat",
			Name:      "users",
			Help:      "Connections holding a display name.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomchat",
			Name:      "rooms",
			Help:      "Rooms with at least one member, public and private.",
		}),
		joinAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "join_attempts_total",
			Help:      "Join attempts by outcome.",
		}, []string{"outcome"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "relayed_total",
			Help:      "Chat messages and typing updates relayed to a room.",
		}, []string{"kind"}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped because a send buffer was full.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "rate_limited_total",
			Help:      "Inbound frames discarded by rate limiting.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.connections, m.users, m.rooms, m.joinAttempts, m.relayed, m.droppedFrames, m.rateLimited)
	return m
}

// JoinAttempt counts one join by outcome.
func (m *Metrics) JoinAttempt(outcome string) {
	m.joinAttempts.WithLabelValues(outcome).Inc()
}

// PresenceChanged updates the presence gauges.
func (m *Metrics) PresenceChanged(connections, users, rooms int) {
	m.connections.Set(float64(connections))
	m.users.Set(float64(users))
	m.rooms.Set(float64(rooms))
}

// Relayed counts one relayed frame of the given kind.
func (m *Metrics) Relayed(kind string) {
	m.relayed.WithLabelValues(kind).Inc()
}

func (m *Metrics) frameDropped() {
	if m != nil {
		m.droppedFrames.Inc()
	}
}

func (m *Metrics) frameRateLimited(frameType string) {
	if m != nil {
		m.rateLimited.WithLabelValues(frameType).Inc()
	}
}

// MetricsHandler exposes the metrics gathered by g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
