package service

import (
	"context"
	"strings"
	"sync"
)

// ToolkitOptions configures the interceptor chain.
type ToolkitOptions struct {
	// Enabled=false turns the whole toolkit into a pass-through.
	Enabled bool
	// MaxPayloadChars caps audit payloads (0 keeps the 20000 default).
	MaxPayloadChars int
	// ExcludeTargets lists target-name prefixes that bypass every stage.
	ExcludeTargets []string
}

// Toolkit builds interceptor chains around operations. Stage order is fixed,
// outermost first: audit, idempotency, cache, rate limit, retry.
type Toolkit struct {
	enabled         bool
	maxPayloadChars int
	excludeTargets  []string

	policies    *PolicyService
	caches      *CacheManager
	limiters    *RateLimiterRegistry
	idempotency *IdempotencyCoordinator
	audit       AuditSink
	metrics     MetricsSink

	mu    sync.RWMutex
	built map[string]Operation
}

func NewToolkit(
	opts ToolkitOptions,
	policies *PolicyService,
	caches *CacheManager,
	limiters *RateLimiterRegistry,
	idempotency *IdempotencyCoordinator,
	audit AuditSink,
	metrics MetricsSink,
) *Toolkit {
	maxPayload := opts.MaxPayloadChars
	if maxPayload <= 0 {
		maxPayload = 20000
	}
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	return &Toolkit{
		enabled:         opts.Enabled,
		maxPayloadChars: maxPayload,
		excludeTargets:  opts.ExcludeTargets,
		policies:        policies,
		caches:          caches,
		limiters:        limiters,
		idempotency:     idempotency,
		audit:           audit,
		metrics:         metrics,
		built:           make(map[string]Operation),
	}
}

// Build wraps op with the stages present in spec. Building the same method
// key twice returns the first chain: wrapping is idempotent, an operation is
// never double-wrapped.
func (t *Toolkit) Build(spec OperationSpec, op Operation) Operation {
	if !t.enabled || t.excluded(spec.Target) {
		return op
	}

	methodKey := spec.MethodKey()
	t.mu.RLock()
	chained, ok := t.built[methodKey]
	t.mu.RUnlock()
	if ok {
		return chained
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if chained, ok = t.built[methodKey]; ok {
		return chained
	}

	// Compose inner to outer.
	chained = op
	if spec.Retry != nil {
		chained = t.withRetry(spec, chained)
	}
	if spec.RateLimit != nil {
		chained = t.withRateLimit(spec, chained)
	}
	if spec.Cache != nil {
		chained = t.withCache(spec, chained)
	}
	if spec.Idempotency != nil {
		chained = t.withIdempotency(spec, chained)
	}
	if spec.Audit != nil {
		chained = t.withAudit(spec, chained)
	}
	chained = withInvocationState(chained)

	t.built[methodKey] = chained
	return chained
}

func (t *Toolkit) excluded(target string) bool {
	for _, prefix := range t.excludeTargets {
		if prefix != "" && strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}

// withInvocationState installs the shared per-call state so every stage sees
// one consistent subject and the policy is looked up at most once.
func withInvocationState(next Operation) Operation {
	return func(ctx context.Context, args []any) (any, error) {
		if callStateFromContext(ctx) == nil {
			ctx = withCallState(ctx, &callState{
				subject:       SubjectFromContext(ctx),
				correlationID: CorrelationIDFromContext(ctx),
			})
		}
		return next(ctx, args)
	}
}
