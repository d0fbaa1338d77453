// Package metrics provides Prometheus instrumentation for the chat server:
// connection gauges, frame and pipeline counters, and classifier latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks open WebSocket connections, authenticated or not.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safehaven_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// ConnectedUsers tracks users holding a live registry entry.
	ConnectedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safehaven_connected_users",
		Help: "Current number of users with a live connection",
	})

	// FramesTotal counts inbound frames by kind.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safehaven_frames_total",
		Help: "Inbound frames received, by kind",
	}, []string{"kind"})

	// MessagesTotal counts pipeline outcomes: delivered, undelivered, blocked,
	// flagged, rejected, rate_limited, failed.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safehaven_messages_total",
		Help: "Chat messages processed, by outcome",
	}, []string{"outcome"})

	// MessageLatency records end-to-end pipeline latency.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "safehaven_message_latency_seconds",
		Help:    "Message pipeline latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// ClassifyLatency records upstream classifier round trips by provider.
	ClassifyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safehaven_classify_latency_seconds",
		Help:    "Classifier call latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
	}, []string{"provider"})

	// ClassifyFallbacks counts results produced by the local fallbacks, by
	// payload kind (text, image) and reason.
	ClassifyFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safehaven_classify_fallbacks_total",
		Help: "Classifications served by the local fallback",
	}, []string{"kind", "reason"})

	// Escalations counts ledger transitions by resulting state.
	Escalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safehaven_escalations_total",
		Help: "Escalation ledger transitions, by resulting state",
	}, []string{"state"}) // state = "warned", "red_tagged", "blocked"

	// DeliveryFailures counts registry deliveries that did not reach a client.
	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safehaven_delivery_failures_total",
		Help: "Deliveries dropped by the connection registry",
	}, []string{"reason"}) // reason = "absent", "send_error"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectedUsers,
		FramesTotal,
		MessagesTotal,
		MessageLatency,
		ClassifyLatency,
		ClassifyFallbacks,
		Escalations,
		DeliveryFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
