// Package metrics provides Prometheus instrumentation for the chat service.
// It exposes gauges for connection counts, counters for message and violation
// throughput, and histograms for streaming latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts processed messages, labeled by type:
	// "user", "assistant", "blocked", or "banned".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})

	// ViolationsTotal counts registered violations by penalty level.
	ViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_violations_total",
		Help: "Total number of content violations registered",
	}, []string{"level"})

	// StreamDuration records wall time of one full assistant reply stream.
	StreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_stream_duration_seconds",
		Help:    "Time to stream one complete assistant reply",
		Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
	})

	// TitlesGenerated counts automatic session title generations.
	TitlesGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_titles_generated_total",
		Help: "Total number of session titles generated",
	})

	// ActiveSessions tracks sessions with at least one live connection.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_sessions",
		Help: "Current number of chat sessions with live connections",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		ViolationsTotal,
		StreamDuration,
		TitlesGenerated,
		ActiveSessions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
