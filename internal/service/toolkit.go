// Package service implements the cross-cutting operation toolkit: a chain of
// interceptors (audit, idempotency, cache, rate limit, retry) that wraps
// business operations, plus the supporting policy, subject and credential
// services.
package service

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/Wei-Shaw/gatekit/internal/pkg/ctxkey"
)

// Operation is the uniform call contract wrapped by the toolkit. Arguments
// arrive positionally; the result is a single value or an error, never both.
type Operation func(ctx context.Context, args []any) (any, error)

// CacheScope controls how cache entries are partitioned between callers.
type CacheScope string

const (
	// CacheScopeGlobal shares entries across all subjects.
	CacheScopeGlobal CacheScope = "GLOBAL"
	// CacheScopeSubject partitions entries by resolved subject key.
	CacheScopeSubject CacheScope = "SUBJECT"
)

// AuditSpec enables audit recording for an operation.
type AuditSpec struct {
	// Action overrides the recorded action name; empty means the method key.
	Action string
	// CaptureArgs / CaptureResult control payload capture.
	CaptureArgs   bool
	CaptureResult bool
	// CaptureStacktrace records the stack alongside the error on failures.
	CaptureStacktrace bool
	// MaxPayloadChars overrides the global payload cap when > 0.
	MaxPayloadChars int
}

// IdempotencySpec enables idempotent execution for an operation.
type IdempotencySpec struct {
	// RequireKey rejects requests without an idempotency key. When false, a
	// keyless request skips the stage entirely.
	RequireKey bool
	// TTLSeconds overrides the configured record TTL when > 0.
	// Values are clamped to [60, 604800].
	TTLSeconds int
	// ConflictOnDifferentRequest rejects key reuse with a different payload.
	ConflictOnDifferentRequest bool
	// RejectInFlight short-polls a PENDING record held by another request,
	// replaying a terminal state observed meanwhile; the wait budget running
	// out is a conflict. When false, the duplicate executes concurrently.
	RejectInFlight bool
}

// CacheSpec enables result caching for an operation.
type CacheSpec struct {
	// Name is the cache name, grammar "<base>(:ttl=<seconds>)?".
	Name string
	// Scope defaults to CacheScopeGlobal.
	Scope CacheScope
	// TTLSeconds overrides the cache TTL when > 0 (clamped to [1, 3600]).
	TTLSeconds int
}

// RateLimitSpec enables token-bucket rate limiting for an operation.
type RateLimitSpec struct {
	// PermitsPerSecond is clamped to [1, 100000].
	PermitsPerSecond int
	// Burst below PermitsPerSecond is raised to it.
	Burst int
}

// RetrySpec enables bounded retry with exponential backoff.
type RetrySpec struct {
	// MaxAttempts is clamped to [1, 20].
	MaxAttempts int
	// BackoffMillis is the base delay; attempt n waits base*2^(n-1) with
	// +/-20% jitter.
	BackoffMillis int
	// RetryOn, when set, must return true for the root cause to be retried.
	RetryOn func(error) bool
	// IgnoreOn short-circuits retry when it matches; it wins over RetryOn.
	IgnoreOn func(error) bool
}

// OperationSpec describes one business operation and the stages applied to it.
type OperationSpec struct {
	// Target is the fully-qualified owner type, e.g.
	// "github.com/Wei-Shaw/gatekit/internal/service.DemoService".
	Target string
	// Name is the operation name, e.g. "CreatePayment".
	Name string
	// ArgNames are the simple argument type names used in the method key.
	ArgNames []string
	// ReturnType, when set, is the concrete result type. The idempotency
	// stage uses it to rebuild a typed value when replaying a stored
	// response; nil falls back to generic decoding.
	ReturnType reflect.Type

	Audit       *AuditSpec
	Idempotency *IdempotencySpec
	Cache       *CacheSpec
	RateLimit   *RateLimitSpec
	Retry       *RetrySpec
}

// MethodKey returns the canonical operation identity:
// "<target>#<name>(<argNames comma-joined>)".
func (s OperationSpec) MethodKey() string {
	return fmt.Sprintf("%s#%s(%s)", s.Target, s.Name, strings.Join(s.ArgNames, ","))
}

// MetricKey returns the short identity used for metrics and log fields:
// "<SimpleTarget>#<name>".
func (s OperationSpec) MetricKey() string {
	return simpleTypeName(s.Target) + "#" + s.Name
}

func simpleTypeName(target string) string {
	if idx := strings.LastIndexAny(target, "./"); idx >= 0 {
		return target[idx+1:]
	}
	return target
}

// Subject identifies the caller of an operation.
type Subject struct {
	// Type is "apiKey", "user", "ip" or "unknown".
	Type string
	// ID is the identity within the type (key hash, user id, address).
	ID string
}

// Key returns "<type>:<id>", the form persisted in audit and policy rows.
func (s Subject) Key() string {
	return s.Type + ":" + s.ID
}

// AnonymousSubject is used when no caller identity could be resolved.
var AnonymousSubject = Subject{Type: "unknown", ID: "unknown"}

// SubjectFromContext returns the subject bound by the resolver middleware,
// falling back to AnonymousSubject.
func SubjectFromContext(ctx context.Context) Subject {
	if s, ok := ctx.Value(ctxkey.Subject).(Subject); ok && s.Type != "" {
		return s
	}
	return AnonymousSubject
}

// CorrelationIDFromContext returns the request correlation id, empty when the
// middleware did not run.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxkey.CorrelationID).(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// IdempotencyKeyFromContext returns the trimmed client idempotency key.
func IdempotencyKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxkey.IdempotencyKey).(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// callState carries per-invocation state shared between stages. The outermost
// wrapper installs it so each stage sees one consistent subject and at most
// one policy lookup happens per call.
type callState struct {
	subject       Subject
	correlationID string

	policyLoaded bool
	policy       *Policy
}

func callStateFromContext(ctx context.Context) *callState {
	st, _ := ctx.Value(ctxkey.CallState).(*callState)
	return st
}

func withCallState(ctx context.Context, st *callState) context.Context {
	return context.WithValue(ctx, ctxkey.CallState, st)
}
