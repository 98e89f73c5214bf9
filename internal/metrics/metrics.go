// Package metrics exposes the toolkit counters and timings as Prometheus
// metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatekit"

// DurationBuckets covers the expected operation latency range, from cache
// hits to retried downstream calls.
var DurationBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
}

// PrometheusSink implements service.MetricsSink on a Prometheus registry.
type PrometheusSink struct {
	cacheEvents       *prometheus.CounterVec
	ratelimitEvents   *prometheus.CounterVec
	retryEvents       *prometheus.CounterVec
	idempotencyEvents *prometheus.CounterVec
	auditDropped      *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusSink{
		cacheEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_events_total",
				Help:      "Cache stage lookups by outcome",
			},
			[]string{"method", "outcome"},
		),
		ratelimitEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_events_total",
				Help:      "Rate limit stage decisions by outcome",
			},
			[]string{"method", "outcome"},
		),
		retryEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_events_total",
				Help:      "Retry stage events (call, attempt, exhausted)",
			},
			[]string{"method", "event"},
		),
		idempotencyEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_events_total",
				Help:      "Idempotency stage events (served, executed, conflict)",
			},
			[]string{"method", "event"},
		),
		auditDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_dropped_total",
				Help:      "Audit records dropped because the sink failed",
			},
			[]string{"method"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Wrapped operation duration, audit stage viewpoint",
				Buckets:   DurationBuckets,
			},
			[]string{"method"},
		),
	}
}

func (s *PrometheusSink) IncrCacheHit(metricKey string) {
	s.cacheEvents.WithLabelValues(metricKey, "hit").Inc()
}

func (s *PrometheusSink) IncrCacheMiss(metricKey string) {
	s.cacheEvents.WithLabelValues(metricKey, "miss").Inc()
}

func (s *PrometheusSink) IncrRateLimitAllowed(metricKey string) {
	s.ratelimitEvents.WithLabelValues(metricKey, "allowed").Inc()
}

func (s *PrometheusSink) IncrRateLimitRejected(metricKey string) {
	s.ratelimitEvents.WithLabelValues(metricKey, "rejected").Inc()
}

func (s *PrometheusSink) IncrRetryCall(metricKey string) {
	s.retryEvents.WithLabelValues(metricKey, "call").Inc()
}

func (s *PrometheusSink) IncrRetryAttempt(metricKey string) {
	s.retryEvents.WithLabelValues(metricKey, "attempt").Inc()
}

func (s *PrometheusSink) IncrRetryExhausted(metricKey string) {
	s.retryEvents.WithLabelValues(metricKey, "exhausted").Inc()
}

func (s *PrometheusSink) IncrIdempotencyServed(metricKey string) {
	s.idempotencyEvents.WithLabelValues(metricKey, "served").Inc()
}

func (s *PrometheusSink) IncrIdempotencyExecuted(metricKey string) {
	s.idempotencyEvents.WithLabelValues(metricKey, "executed").Inc()
}

func (s *PrometheusSink) IncrIdempotencyConflict(metricKey string) {
	s.idempotencyEvents.WithLabelValues(metricKey, "conflict").Inc()
}

func (s *PrometheusSink) IncrAuditDropped(metricKey string) {
	s.auditDropped.WithLabelValues(metricKey).Inc()
}

func (s *PrometheusSink) ObserveDuration(metricKey string, d time.Duration) {
	s.operationDuration.WithLabelValues(metricKey).Observe(d.Seconds())
}
