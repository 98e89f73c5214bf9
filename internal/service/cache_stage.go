package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	cacheStageTTLMin = 1
	cacheStageTTLMax = 3600
)

// effectiveCacheName resolves the cache name for an operation, folding the
// policy / spec TTL override into the ":ttl=" suffix so distinct TTLs land in
// distinct cache instances. Returns "" when caching is disabled for this call.
func effectiveCacheName(spec *CacheSpec, policy *Policy) string {
	if spec == nil || strings.TrimSpace(spec.Name) == "" || !policy.stagesEnabled() {
		return ""
	}
	override := spec.TTLSeconds
	if policy != nil && policy.CacheTTLSeconds != nil {
		override = *policy.CacheTTLSeconds
		if override == 0 {
			// Policy explicitly disables caching for this operation.
			return ""
		}
	}
	if override <= 0 {
		return spec.Name
	}
	if override < cacheStageTTLMin {
		override = cacheStageTTLMin
	}
	if override > cacheStageTTLMax {
		override = cacheStageTTLMax
	}
	base, _, _ := strings.Cut(spec.Name, ":")
	return fmt.Sprintf("%s:ttl=%d", base, override)
}

// cacheKey builds the entry key from the method identity, the argument hash
// and, for subject-scoped caches, the caller identity.
func cacheKey(methodKey string, spec *CacheSpec, subject Subject, args []any) (string, error) {
	argsHash, err := deepHash(args)
	if err != nil {
		return "", err
	}
	scope := spec.Scope
	if scope == "" {
		scope = CacheScopeGlobal
	}
	if scope == CacheScopeSubject {
		subjectKey := subject.Key()
		if subject == AnonymousSubject {
			subjectKey = "anonymous"
		}
		return methodKey + "|" + argsHash + "|" + subjectKey, nil
	}
	return methodKey + "|" + argsHash, nil
}

// withCache wraps next with read-through result caching. Every cache problem
// degrades to a pass-through call; caching must never fail a business call.
func (t *Toolkit) withCache(spec OperationSpec, next Operation) Operation {
	methodKey := spec.MethodKey()
	metricKey := spec.MetricKey()
	return func(ctx context.Context, args []any) (any, error) {
		policy := resolvePolicy(ctx, t.policies, methodKey)
		name := effectiveCacheName(spec.Cache, policy)
		if name == "" {
			return next(ctx, args)
		}

		key, err := cacheKey(methodKey, spec.Cache, SubjectFromContext(ctx), args)
		if err != nil {
			slog.Warn("cache_key_build_failed", "method_key", metricKey, "error", err)
			return next(ctx, args)
		}

		cache := t.caches.Get(name)
		if value, ok := cache.Get(key); ok {
			t.metrics.IncrCacheHit(metricKey)
			return value, nil
		}
		t.metrics.IncrCacheMiss(metricKey)

		result, err := next(ctx, args)
		if err != nil {
			return nil, err
		}
		// Nil results are not cached: absence is indistinguishable from a
		// miss and would pin "nothing" for the TTL.
		if result != nil {
			cache.Set(key, result)
		}
		return result, nil
	}
}
