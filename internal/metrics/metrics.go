// Package metrics provides Prometheus metrics collection for the
// gateway. It tracks request counts, latencies, token usage, and
// memory-subsystem health.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "memgate"

var (
	// RequestsTotal counts total chat requests by provider, model, and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied chat requests",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestLatency tracks end-to-end request latency distribution.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Request latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	// TokenUsage tracks token consumption by type.
	TokenUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_usage_total",
			Help:      "Total token usage",
		},
		[]string{"provider", "model", "type"}, // type: input, output
	)

	// UpstreamErrors counts upstream errors by normalized reason.
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by normalized reason",
		},
		[]string{"provider", "reason"},
	)

	// MemoryOps counts memory engine operations by outcome. Degraded
	// operations (embedding unavailable, store errors) are visible here
	// even though they never fail a chat turn.
	MemoryOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Total memory engine operations",
		},
		[]string{"operation", "outcome"}, // operation: store, retrieve, forget, backfill
	)

	// MemoryRetrievedRecords tracks how many records retrieval returns.
	MemoryRetrievedRecords = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_retrieved_records",
			Help:      "Number of memory records returned per retrieval",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"store"},
	)
)

// RecordRequest records a completed request.
func RecordRequest(provider, model string, statusCode int, latency time.Duration) {
	RequestsTotal.WithLabelValues(provider, model, strconv.Itoa(statusCode)).Inc()
	RequestLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
}

// RecordTokens records token usage for a request.
func RecordTokens(provider, model string, input, output int) {
	TokenUsage.WithLabelValues(provider, model, "input").Add(float64(input))
	TokenUsage.WithLabelValues(provider, model, "output").Add(float64(output))
}

// RecordUpstreamError records an upstream failure by normalized reason.
func RecordUpstreamError(provider, reason string) {
	UpstreamErrors.WithLabelValues(provider, reason).Inc()
}

// RecordMemoryOp records a memory engine operation outcome.
func RecordMemoryOp(operation, outcome string) {
	MemoryOps.WithLabelValues(operation, outcome).Inc()
}
