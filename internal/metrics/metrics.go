// Package metrics holds the Prometheus instruments of the chat core
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so that several instances (one per test) never collide.
//
// Usage:
//
//	m := metrics.New()
//	m.Connections.Inc()
//	m.MessageOps.WithLabelValues("create", "ok").Inc()
//	router.Handle("/metrics", m.Handler())
type Metrics struct {
	registry *prometheus.Registry

	// Connections is the number of admitted live connections
	Connections prometheus.Gauge

	// OnlineUsers is the number of users with at least one connection
	OnlineUsers prometheus.Gauge

	// AuthFailures counts rejected handshakes.
	// Labels: reason (expired|malformed|signature_invalid|issuer_invalid)
	AuthFailures *prometheus.CounterVec

	// EventsDelivered counts frames queued to connections.
	// Labels: event
	EventsDelivered *prometheus.CounterVec

	// EventsDropped counts frames that could not be queued because a connection's buffer was full
	EventsDropped prometheus.Counter

	// MessageOps counts message lifecycle operations.
	// Labels: op (create|edit|delete|list), result (ok|not_found|forbidden|validation|internal)
	MessageOps *prometheus.CounterVec

	// PersistDuration measures persistence calls made by message operations.
	// Labels: op
	PersistDuration *prometheus.HistogramVec

	// TypingExpired counts typing indicators stopped by the watchdog
	TypingExpired prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "groupchat_connections",
			Help: "Number of live realtime connections",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "groupchat_online_users",
			Help: "Number of users with at least one live connection",
		}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "groupchat_auth_failures_total",
			Help: "Rejected connection handshakes",
		}, []string{"reason"}),
		EventsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "groupchat_events_delivered_total",
			Help: "Events queued to connections",
		}, []string{"event"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "groupchat_events_dropped_total",
			Help: "Events dropped because the connection send buffer was full",
		}),
		MessageOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "groupchat_message_operations_total",
			Help: "Message lifecycle operations by result",
		}, []string{"op", "result"}),
		PersistDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupchat_persist_duration_seconds",
			Help:    "Duration of persistence calls made by message operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),
		TypingExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "groupchat_typing_expired_total",
			Help: "Typing indicators stopped by the server watchdog",
		}),
	}
}

// ObservePersist records how long a persistence call of op took
func (m *Metrics) ObservePersist(op string, start time.Time) {
	m.PersistDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
