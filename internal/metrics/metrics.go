// Package metrics provides Prometheus instrumentation for the realtime
// messaging subsystem: connection and presence gauges, message outcome
// counters, and a broadcast fanout histogram.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks how many distinct users currently have at least one
	// live connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_online_users",
		Help: "Current number of users with at least one live connection",
	})

	// MessagesTotal counts processed message events, labeled by outcome:
	// "persisted", "rejected", "failed", "deleted".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_messages_total",
		Help: "Total number of message events processed",
	}, []string{"outcome"})

	// BroadcastFanout records how many connections each room broadcast
	// reached.
	BroadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_broadcast_fanout",
		Help:    "Connections reached per room broadcast",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	// PersistLatency records message persistence latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_persist_latency_seconds",
		Help:    "Message persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		BroadcastFanout,
		PersistLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
