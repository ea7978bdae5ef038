// Package metrics declares the federator's Prometheus collectors,
// following the promauto.With(registerer) construction style used by
// grafana-tempo's query frontend for its queue-depth/discard gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eida_federator"

// Metrics bundles every collector the federator exposes.
type Metrics struct {
	PoolOccupancy     prometheus.Gauge
	RetryBudgetRatio  *prometheus.GaugeVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	DrainBackpressure *prometheus.CounterVec
	EndpointRequests  *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// New registers every collector against registerer.
func New(registerer prometheus.Registerer) *Metrics {
	return &Metrics{
		PoolOccupancy: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_occupancy",
			Help:      "Number of worker-pool slots currently in use across all in-flight requests.",
		}),
		RetryBudgetRatio: promauto.With(registerer).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_budget_error_ratio",
			Help:      "Rolling error ratio (percent) per routed endpoint.",
		}, []string{"endpoint"}),
		CacheHits: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Federated responses served directly from cache.",
		}),
		CacheMisses: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Federated responses that required dispatching to at least one endpoint.",
		}),
		DrainBackpressure: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_backpressure_blocks_total",
			Help:      "Times a worker blocked on Drain's soft backpressure bound.",
		}, []string{"type"}),
		EndpointRequests: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_requests_total",
			Help:      "Requests issued to routed endpoints, by status class.",
		}, []string{"endpoint", "status_class"}),
		RequestDuration: promauto.With(registerer).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end federated request duration by service type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

// StatusClass buckets an HTTP status into the label prometheus stores
// per endpoint ("2xx", "4xx", "5xx", ...).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}
