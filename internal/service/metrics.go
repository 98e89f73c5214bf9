package service

import "time"

// MetricsSink receives toolkit counters and timings. Implementations must be
// safe for concurrent use and must never block the calling goroutine on IO.
type MetricsSink interface {
	IncrCacheHit(metricKey string)
	IncrCacheMiss(metricKey string)

	IncrRateLimitAllowed(metricKey string)
	IncrRateLimitRejected(metricKey string)

	IncrRetryCall(metricKey string)
	IncrRetryAttempt(metricKey string)
	IncrRetryExhausted(metricKey string)

	IncrIdempotencyServed(metricKey string)
	IncrIdempotencyExecuted(metricKey string)
	IncrIdempotencyConflict(metricKey string)

	IncrAuditDropped(metricKey string)

	ObserveDuration(metricKey string, d time.Duration)
}

// NopMetricsSink discards everything. Used when metrics are disabled and as
// the default for tests.
type NopMetricsSink struct{}

func (NopMetricsSink) IncrCacheHit(string)                   {}
func (NopMetricsSink) IncrCacheMiss(string)                  {}
func (NopMetricsSink) IncrRateLimitAllowed(string)           {}
func (NopMetricsSink) IncrRateLimitRejected(string)          {}
func (NopMetricsSink) IncrRetryCall(string)                  {}
func (NopMetricsSink) IncrRetryAttempt(string)               {}
func (NopMetricsSink) IncrRetryExhausted(string)             {}
func (NopMetricsSink) IncrIdempotencyServed(string)          {}
func (NopMetricsSink) IncrIdempotencyExecuted(string)        {}
func (NopMetricsSink) IncrIdempotencyConflict(string)        {}
func (NopMetricsSink) IncrAuditDropped(string)               {}
func (NopMetricsSink) ObserveDuration(string, time.Duration) {}

var _ MetricsSink = NopMetricsSink{}
