package service

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	infraerrors "github.com/Wei-Shaw/gatekit/internal/pkg/errors"
)

const (
	retryAttemptsMin   = 1
	retryAttemptsMax   = 20
	retryBackoffMaxMS  = 60000
	retryUnwrapMaxHops = 32
)

// nonRetryableCodes are client errors that repeating cannot fix.
var nonRetryableCodes = map[int]struct{}{
	400: {},
	401: {},
	403: {},
	404: {},
	409: {},
	429: {},
}

// rootCause unwinds wrapped errors to the innermost cause. Bounded and
// cycle-safe: a pathological Unwrap chain cannot loop forever.
func rootCause(err error) error {
	seen := make(map[error]struct{}, 4)
	for hops := 0; hops < retryUnwrapMaxHops; hops++ {
		if _, dup := seen[err]; dup {
			return err
		}
		seen[err] = struct{}{}
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return err
}

// isRetryable applies IgnoreOn, RetryOn, then the default classification.
func isRetryable(spec *RetrySpec, err error) bool {
	cause := rootCause(err)
	if spec.IgnoreOn != nil && spec.IgnoreOn(cause) {
		return false
	}
	if spec.RetryOn != nil {
		return spec.RetryOn(cause)
	}
	var ae *infraerrors.ApplicationError
	if errors.As(err, &ae) {
		_, blocked := nonRetryableCodes[ae.Code]
		return !blocked
	}
	return true
}

// backoffDelay returns base*2^(attempt-1) with +/-20% jitter. attempt is the
// 1-based attempt that just failed.
func backoffDelay(baseMillis, attempt int) time.Duration {
	if baseMillis <= 0 {
		return 0
	}
	if baseMillis > retryBackoffMaxMS {
		baseMillis = retryBackoffMaxMS
	}
	delay := float64(baseMillis)
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > float64(retryBackoffMaxMS) {
			delay = float64(retryBackoffMaxMS)
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(delay*jitter) * time.Millisecond
}

func effectiveRetry(spec *RetrySpec, policy *Policy) (attempts, backoffMillis int) {
	if spec == nil || !policy.stagesEnabled() {
		return 0, 0
	}
	attempts = spec.MaxAttempts
	backoffMillis = spec.BackoffMillis
	if policy != nil {
		if policy.RetryMaxAttempts != nil {
			attempts = *policy.RetryMaxAttempts
		}
		if policy.RetryBackoffMillis != nil {
			backoffMillis = *policy.RetryBackoffMillis
		}
	}
	if attempts < retryAttemptsMin {
		attempts = retryAttemptsMin
	}
	if attempts > retryAttemptsMax {
		attempts = retryAttemptsMax
	}
	if backoffMillis < 0 {
		backoffMillis = 0
	}
	return attempts, backoffMillis
}

// withRetry wraps next with bounded retry. Innermost stage: a retried call
// must not re-enter rate limiting or caching.
func (t *Toolkit) withRetry(spec OperationSpec, next Operation) Operation {
	methodKey := spec.MethodKey()
	metricKey := spec.MetricKey()
	return func(ctx context.Context, args []any) (any, error) {
		policy := resolvePolicy(ctx, t.policies, methodKey)
		attempts, backoffMillis := effectiveRetry(spec.Retry, policy)
		if attempts == 0 {
			return next(ctx, args)
		}

		t.metrics.IncrRetryCall(metricKey)
		var lastErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			result, err := next(ctx, args)
			if err == nil {
				return result, nil
			}
			lastErr = err
			if attempt == attempts || !isRetryable(spec.Retry, err) {
				break
			}

			t.metrics.IncrRetryAttempt(metricKey)
			slog.Debug("retry_attempt_scheduled",
				"method_key", metricKey,
				"attempt", attempt,
				"error", err)

			delay := backoffDelay(backoffMillis, attempt)
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
			} else if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		if isRetryable(spec.Retry, lastErr) {
			t.metrics.IncrRetryExhausted(metricKey)
			slog.Warn("retry_exhausted",
				"method_key", metricKey,
				"attempts", attempts,
				"error", lastErr)
		}
		return nil, lastErr
	}
}
