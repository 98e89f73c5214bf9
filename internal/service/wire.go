package service

import (
	"time"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Wei-Shaw/gatekit/internal/config"
	"github.com/Wei-Shaw/gatekit/internal/metrics"
)

func ProvideAPIKeyConfig(cfg *config.Config) config.APIKeyConfig {
	return cfg.Security.APIKey
}

func ProvideCredentialCacheConfig(cfg *config.Config) config.CredentialCacheConfig {
	return cfg.CredentialCache
}

func ProvideCacheManager(cfg *config.Config) *CacheManager {
	return NewCacheManager(cfg.PolicyCache.Size)
}

func ProvidePolicyService(store PolicyStore, caches *CacheManager, cfg *config.Config) *PolicyService {
	return NewPolicyService(store, caches, cfg.PolicyCache.TTLSeconds)
}

func ProvideMetricsSink(cfg *config.Config) MetricsSink {
	if !cfg.Metrics.Enabled {
		return NopMetricsSink{}
	}
	return metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
}

func ProvideIdempotencyCoordinator(store IdempotencyStore, sink MetricsSink, cfg *config.Config) *IdempotencyCoordinator {
	return NewIdempotencyCoordinator(store, sink, IdempotencyOptions{
		DefaultTTL:   time.Duration(cfg.Idempotency.DefaultTTLSeconds) * time.Second,
		WaitBudget:   time.Duration(cfg.Idempotency.WaitBudgetMillis) * time.Millisecond,
		PollInterval: time.Duration(cfg.Idempotency.PollIntervalMillis) * time.Millisecond,
	})
}

func ProvideToolkit(
	cfg *config.Config,
	policies *PolicyService,
	caches *CacheManager,
	limiters *RateLimiterRegistry,
	idempotency *IdempotencyCoordinator,
	audit AuditSink,
	sink MetricsSink,
) *Toolkit {
	return NewToolkit(ToolkitOptions{
		Enabled:         cfg.Toolkit.Enabled,
		MaxPayloadChars: cfg.Toolkit.MaxPayloadChars,
		ExcludeTargets:  cfg.Toolkit.ExcludeTargets,
	}, policies, caches, limiters, idempotency, audit, sink)
}

// ProviderSet is the Wire provider set for services
var ProviderSet = wire.NewSet(
	ProvideAPIKeyConfig,
	ProvideCredentialCacheConfig,
	ProvideCacheManager,
	ProvidePolicyService,
	ProvideMetricsSink,
	ProvideIdempotencyCoordinator,
	ProvideToolkit,
	NewAPIKeyHasher,
	NewSubjectResolver,
	NewRateLimiterRegistry,
	NewCredentialService,
	NewDemoService,
	NewIdempotencyCleanupService,
)
