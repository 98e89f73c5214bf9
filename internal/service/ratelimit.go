package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	infraerrors "github.com/Wei-Shaw/gatekit/internal/pkg/errors"
)

const (
	rateLimitPermitsMin = 1
	rateLimitPermitsMax = 100000
)

// ErrRateLimited is returned when a token bucket rejects a call. The response
// layer maps it to 429 with a Retry-After header from metadata.
var ErrRateLimited = infraerrors.TooManyRequests("RATE_LIMITED", "too many requests for this operation")

// RateLimiterRegistry owns the token buckets used by the rate limit stage.
//
// Buckets are keyed by (methodKey, subjectType, limitForPeriod), NOT by the
// full subject identity: all callers of the same type sharing the same
// effective limit share one bucket. A policy change to the limit value lands
// in a fresh bucket and the stale one ages out of relevance.
type RateLimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiterRegistry() *RateLimiterRegistry {
	return &RateLimiterRegistry{limiters: make(map[string]*rate.Limiter)}
}

// Allow consumes one token from the bucket for the triple, creating the
// bucket on first use. Never blocks.
func (r *RateLimiterRegistry) Allow(methodKey, subjectType string, limitForPeriod int) bool {
	return r.get(methodKey, subjectType, limitForPeriod).Allow()
}

func (r *RateLimiterRegistry) get(methodKey, subjectType string, limitForPeriod int) *rate.Limiter {
	key := fmt.Sprintf("%s|%s|%d", methodKey, subjectType, limitForPeriod)

	r.mu.RLock()
	limiter, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok = r.limiters[key]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(limitForPeriod), limitForPeriod)
	r.limiters[key] = limiter
	return limiter
}

// effectiveRateLimit applies policy overrides and the permit clamps.
// Returns 0 when the stage should not run.
func effectiveRateLimit(spec *RateLimitSpec, policy *Policy) int {
	if spec == nil || !policy.stagesEnabled() {
		return 0
	}
	permits := spec.PermitsPerSecond
	burst := spec.Burst
	if policy != nil {
		if policy.RateLimitPermitsPerSec != nil {
			permits = *policy.RateLimitPermitsPerSec
		}
		if policy.RateLimitBurst != nil {
			burst = *policy.RateLimitBurst
		}
	}
	if permits < rateLimitPermitsMin {
		permits = rateLimitPermitsMin
	}
	if permits > rateLimitPermitsMax {
		permits = rateLimitPermitsMax
	}
	// A burst below the steady rate would make the bucket reject below the
	// configured rate, so the effective limit is max(permits, burst).
	if burst > permits {
		permits = burst
	}
	if permits > rateLimitPermitsMax {
		permits = rateLimitPermitsMax
	}
	return permits
}

// rateLimitRejection builds the 429 error with a retry hint of at least 1s.
func rateLimitRejection() error {
	return ErrRateLimited.WithMetadata(map[string]string{"retry_after": strconv.Itoa(1)})
}

// withRateLimit wraps next with the non-blocking token bucket check.
func (t *Toolkit) withRateLimit(spec OperationSpec, next Operation) Operation {
	methodKey := spec.MethodKey()
	metricKey := spec.MetricKey()
	return func(ctx context.Context, args []any) (any, error) {
		policy := resolvePolicy(ctx, t.policies, methodKey)
		limit := effectiveRateLimit(spec.RateLimit, policy)
		if limit == 0 {
			return next(ctx, args)
		}

		subject := SubjectFromContext(ctx)
		if !t.limiters.Allow(methodKey, subject.Type, limit) {
			t.metrics.IncrRateLimitRejected(metricKey)
			return nil, rateLimitRejection()
		}
		t.metrics.IncrRateLimitAllowed(metricKey)
		return next(ctx, args)
	}
}
