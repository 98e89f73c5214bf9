package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Policy is a per-(subject, operation) override row. Nil pointer fields mean
// "no override"; the OperationSpec defaults apply.
type Policy struct {
	ClientKey string
	MethodKey string
	// Enabled=false disables idempotency, cache, rate limit and retry for the
	// matching operation. Audit still runs.
	Enabled bool

	RateLimitPermitsPerSec *int
	RateLimitBurst         *int
	RetryMaxAttempts       *int
	RetryBackoffMillis     *int
	CacheTTLSeconds        *int
	IdempotencyTTLSeconds  *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PolicyStore loads policy rows. Implemented by repository.PolicyRepository.
type PolicyStore interface {
	GetPolicy(ctx context.Context, clientKey, methodKey string) (*Policy, error)
}

const policyCacheBaseName = "apiClientPolicy"

// policyCacheEntry wraps the lookup result so absent rows are cached too
// (negative caching keeps hot operations from hammering the store).
type policyCacheEntry struct {
	policy *Policy
}

// PolicyService is the read-through policy lookup used by the chain. A
// PolicyStore failure degrades to "no overrides" and is logged, never
// propagated to the business call.
type PolicyService struct {
	store PolicyStore
	cache Cache
	group singleflight.Group
}

// NewPolicyService builds the read-through lookup. ttlSeconds bounds how
// stale a policy decision can be; non-positive values fall back to 30s.
func NewPolicyService(store PolicyStore, caches *CacheManager, ttlSeconds int) *PolicyService {
	if ttlSeconds <= 0 {
		ttlSeconds = 30
	}
	return &PolicyService{
		store: store,
		cache: caches.Get(fmt.Sprintf("%s:ttl=%d", policyCacheBaseName, ttlSeconds)),
	}
}

// Resolve returns the policy for (clientKey, methodKey) or nil when no row
// exists or the store is unavailable.
func (s *PolicyService) Resolve(ctx context.Context, clientKey, methodKey string) *Policy {
	if s == nil || s.store == nil {
		return nil
	}
	cacheKey := clientKey + "|" + methodKey
	if v, ok := s.cache.Get(cacheKey); ok {
		if entry, ok := v.(policyCacheEntry); ok {
			return entry.policy
		}
	}

	v, err, _ := s.group.Do(cacheKey, func() (any, error) {
		policy, err := s.store.GetPolicy(ctx, clientKey, methodKey)
		if err != nil {
			return nil, err
		}
		s.cache.Set(cacheKey, policyCacheEntry{policy: policy})
		return policyCacheEntry{policy: policy}, nil
	})
	if err != nil {
		slog.Warn("policy_lookup_failed",
			"client_key", clientKey,
			"method_key", methodKey,
			"error", err)
		return nil
	}
	entry, _ := v.(policyCacheEntry)
	return entry.policy
}

// resolvePolicy memoizes the policy lookup in the per-call state so the chain
// hits the PolicyService at most once per invocation.
func resolvePolicy(ctx context.Context, policies *PolicyService, methodKey string) *Policy {
	st := callStateFromContext(ctx)
	if st == nil {
		subject := SubjectFromContext(ctx)
		return policies.Resolve(ctx, subject.Key(), methodKey)
	}
	if !st.policyLoaded {
		st.policy = policies.Resolve(ctx, st.subject.Key(), methodKey)
		st.policyLoaded = true
	}
	return st.policy
}

// stagesEnabled reports whether policy allows the non-audit stages to run.
func (p *Policy) stagesEnabled() bool {
	return p == nil || p.Enabled
}
