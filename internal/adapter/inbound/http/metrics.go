// Package http provides the inbound HTTP surface of the overlay proxy:
// the GET /sse stream, the POST /message channel, and the meta endpoints.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the overlay proxy. Pass to
// components that need to record metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveStreams   prometheus.Gauge
	SessionsCreated prometheus.Counter
	AuthzDecisions  *prometheus.CounterVec
	FramesForwarded *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "overlay_mcp",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "overlay_mcp",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveStreams: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "overlay_mcp",
				Name:      "active_sse_streams",
				Help:      "Number of open downstream SSE streams",
			},
		),
		SessionsCreated: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "overlay_mcp",
				Name:      "sessions_created_total",
				Help:      "Total sessions created on this node",
			},
		),
		AuthzDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "overlay_mcp",
				Name:      "authz_decisions_total",
				Help:      "Authorization decisions by outcome",
			},
			[]string{"decision"},
		),
		FramesForwarded: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "overlay_mcp",
				Name:      "frames_forwarded_total",
				Help:      "JSON-RPC frames forwarded by direction",
			},
			[]string{"direction"},
		),
	}
}
