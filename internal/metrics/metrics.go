// Package metrics provides Prometheus metrics and HTTP middleware for the
// stormcloud server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProviderBuckets covers AI provider latencies from 100ms up to the 30s cap.
var ProviderBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30}

var (
	// RequestsTotal counts HTTP requests by method, route and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormcloud_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stormcloud_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ExecutionsTotal counts sandbox runs by outcome (ok, error, timeout, unavailable, cancelled).
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormcloud_executions_total",
			Help: "Sandbox executions",
		},
		[]string{"outcome"},
	)

	// ExecutionDuration records wall-clock time of sandbox runs.
	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stormcloud_execution_duration_seconds",
			Help:    "Sandbox execution duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	// ProviderRequestsTotal counts provider attempts by provider and status.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormcloud_provider_requests_total",
			Help: "AI provider attempts",
		},
		[]string{"provider", "status"},
	)

	// ProviderLatency records provider call latency in seconds.
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stormcloud_provider_latency_seconds",
			Help:    "AI provider latency",
			Buckets: ProviderBuckets,
		},
		[]string{"provider"},
	)

	// LedgerEntriesTotal counts accepted transformations by provider.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormcloud_ledger_entries_total",
			Help: "Ledger entries written",
		},
		[]string{"provider"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormcloud_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"route"},
	)

	// EventSubscribers tracks open event websocket connections.
	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stormcloud_event_subscribers",
			Help: "Open event stream connections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ExecutionsTotal,
		ExecutionDuration,
		ProviderRequestsTotal,
		ProviderLatency,
		LedgerEntriesTotal,
		RateLimitRejectedTotal,
		EventSubscribers,
	)
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
