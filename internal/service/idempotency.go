package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	infraerrors "github.com/Wei-Shaw/gatekit/internal/pkg/errors"
)

// Idempotency record status machine: PENDING -> COMPLETED | FAILED.
// Expired rows of any status are reclaimed by the next acquirer.
type IdempotencyStatus string

const (
	IdempotencyStatusPending   IdempotencyStatus = "PENDING"
	IdempotencyStatusCompleted IdempotencyStatus = "COMPLETED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

const (
	idempotencyKeyMaxLen = 128

	idempotencyTTLMinSeconds = 60
	idempotencyTTLMaxSeconds = 7 * 24 * 3600
)

var (
	ErrIdempotencyKeyRequired    = infraerrors.BadRequest("IDEMPOTENCY_KEY_REQUIRED", "idempotency key is required")
	ErrIdempotencyKeyInvalid     = infraerrors.BadRequest("IDEMPOTENCY_KEY_INVALID", "idempotency key is invalid")
	ErrIdempotencyKeyConflict    = infraerrors.Conflict("IDEMPOTENCY_KEY_CONFLICT", "idempotency key reused with different payload")
	ErrIdempotencyInProgress     = infraerrors.Conflict("IDEMPOTENCY_IN_PROGRESS", "idempotent request is still processing")
	ErrIdempotencyPreviousFailed = infraerrors.Conflict("IDEMPOTENCY_PREVIOUS_FAILED", "previous attempt with this idempotency key failed")
	ErrIdempotencyStoreUnavail   = infraerrors.ServiceUnavailable("IDEMPOTENCY_STORE_UNAVAILABLE", "idempotency store is unavailable")
	ErrIdempotentRespUnreadable  = infraerrors.InternalServer("IDEMPOTENT_RESPONSE_UNREADABLE", "stored idempotent response cannot be decoded")
)

// IdempotencyRecord is one claim row, unique by (MethodKey, IdemKey).
// ClientKey records who claimed it but is not part of the identity.
type IdempotencyRecord struct {
	ID          int64
	ClientKey   string
	MethodKey   string
	IdemKey     string
	RequestHash string
	Status      IdempotencyStatus
	// ResponseJSON holds the serialized success result for COMPLETED rows.
	ResponseJSON string
	ErrorReason  string
	ErrorMessage string
	// LockedBy is the correlation id of the in-flight owner; empty when the
	// row is unlocked (crashed owner) and may be taken over.
	LockedBy  string
	LockedAt  *time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdempotencyAcquisition is the outcome of one AcquireOrGet round.
type IdempotencyAcquisition struct {
	// Acquired means the caller owns a PENDING row and must execute.
	Acquired bool
	// Record is the freshly claimed row, or the existing row when Acquired
	// is false.
	Record *IdempotencyRecord
}

// IdempotencyStore runs the pessimistic claim protocol. AcquireOrGet must
// execute in its own transaction with the row locked (SELECT ... FOR UPDATE)
// and implement insert-or-claim semantics: insert a PENDING row, reset an
// expired row, take over an unlocked PENDING row, otherwise return the
// existing row.
type IdempotencyStore interface {
	AcquireOrGet(ctx context.Context, candidate *IdempotencyRecord) (*IdempotencyAcquisition, error)
	MarkCompleted(ctx context.Context, id int64, owner, responseJSON string) error
	MarkFailed(ctx context.Context, id int64, owner, errorReason, errorMessage string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

// IdempotencyOptions tunes the coordinator wait loop and the default TTL.
type IdempotencyOptions struct {
	DefaultTTL   time.Duration
	WaitBudget   time.Duration
	PollInterval time.Duration
}

func (o IdempotencyOptions) normalized() IdempotencyOptions {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 24 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.WaitBudget <= 0 {
		o.WaitBudget = 2 * time.Second
	}
	return o
}

// NormalizeIdempotencyKey trims the raw header value and validates it:
// non-empty, at most 128 chars, printable ASCII only.
func NormalizeIdempotencyKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", ErrIdempotencyKeyRequired
	}
	if len(key) > idempotencyKeyMaxLen {
		return "", ErrIdempotencyKeyInvalid
	}
	for _, r := range key {
		if r < 0x21 || r > 0x7e {
			return "", ErrIdempotencyKeyInvalid
		}
	}
	return key, nil
}

func clampIdempotencyTTL(seconds int) time.Duration {
	if seconds < idempotencyTTLMinSeconds {
		seconds = idempotencyTTLMinSeconds
	}
	if seconds > idempotencyTTLMaxSeconds {
		seconds = idempotencyTTLMaxSeconds
	}
	return time.Duration(seconds) * time.Second
}

// IdempotencyCoordinator executes operations at most once per
// (idempotency key, operation) within the record TTL.
type IdempotencyCoordinator struct {
	store   IdempotencyStore
	metrics MetricsSink
	opts    IdempotencyOptions

	// now is swappable in tests.
	now func() time.Time
}

func NewIdempotencyCoordinator(store IdempotencyStore, metrics MetricsSink, opts IdempotencyOptions) *IdempotencyCoordinator {
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	return &IdempotencyCoordinator{
		store:   store,
		metrics: metrics,
		opts:    opts.normalized(),
		now:     time.Now,
	}
}

// Execute runs op under the claim protocol for the given operation spec.
func (c *IdempotencyCoordinator) Execute(ctx context.Context, spec OperationSpec, args []any, op Operation) (any, error) {
	idemSpec := spec.Idempotency
	metricKey := spec.MetricKey()

	raw := IdempotencyKeyFromContext(ctx)
	if strings.TrimSpace(raw) == "" {
		if idemSpec != nil && idemSpec.RequireKey {
			return nil, ErrIdempotencyKeyRequired
		}
		// No key, none required: the caller opted out of idempotency for
		// this request.
		return op(ctx, args)
	}
	key, err := NormalizeIdempotencyKey(raw)
	if err != nil {
		return nil, err
	}
	requestHash, err := deepHash(args)
	if err != nil {
		return nil, infraerrors.BadRequest("IDEMPOTENCY_PAYLOAD_INVALID", "failed to normalize request payload").WithCause(err)
	}

	subject := SubjectFromContext(ctx)
	owner := CorrelationIDFromContext(ctx)
	if owner == "" {
		owner = uuid.NewString()
	}

	ttl := c.opts.DefaultTTL
	if policy := callStatePolicy(ctx); policy != nil && policy.IdempotencyTTLSeconds != nil && *policy.IdempotencyTTLSeconds > 0 {
		ttl = clampIdempotencyTTL(*policy.IdempotencyTTLSeconds)
	} else if idemSpec != nil && idemSpec.TTLSeconds > 0 {
		ttl = clampIdempotencyTTL(idemSpec.TTLSeconds)
	}

	deadline := c.now().Add(c.opts.WaitBudget)
	for {
		candidate := &IdempotencyRecord{
			ClientKey:   subject.Key(),
			MethodKey:   spec.MethodKey(),
			IdemKey:     key,
			RequestHash: requestHash,
			Status:      IdempotencyStatusPending,
			LockedBy:    owner,
			ExpiresAt:   c.now().Add(ttl),
		}
		acq, err := c.store.AcquireOrGet(ctx, candidate)
		if err != nil {
			return nil, ErrIdempotencyStoreUnavail.WithCause(err)
		}

		if acq.Acquired {
			return c.executeOwned(ctx, args, op, acq.Record, owner, metricKey)
		}

		record := acq.Record
		if idemSpec != nil && idemSpec.ConflictOnDifferentRequest && record.RequestHash != requestHash {
			c.metrics.IncrIdempotencyConflict(metricKey)
			return nil, ErrIdempotencyKeyConflict
		}

		switch record.Status {
		case IdempotencyStatusCompleted:
			c.metrics.IncrIdempotencyServed(metricKey)
			return decodeStoredResponse(record.ResponseJSON, spec.ReturnType)

		case IdempotencyStatusFailed:
			c.metrics.IncrIdempotencyConflict(metricKey)
			return nil, previousFailedError(record)

		default: // PENDING
			if record.LockedBy == owner {
				// The caller already holds the claim; never poll on a lock
				// we own ourselves.
				return c.executeOwned(ctx, args, op, record, owner, metricKey)
			}
			if idemSpec == nil || !idemSpec.RejectInFlight {
				// Concurrent duplicates are allowed to run; only the lock
				// holder records the terminal state.
				result, execErr := op(ctx, args)
				if execErr == nil {
					c.metrics.IncrIdempotencyExecuted(metricKey)
				}
				return result, execErr
			}
			// rejectInFlight: wait out the budget hoping the owner reaches a
			// terminal state we can replay, then conflict.
			remaining := time.Until(deadline)
			if remaining <= 0 {
				c.metrics.IncrIdempotencyConflict(metricKey)
				return nil, inProgressError(retryAfterSeconds(c.opts.PollInterval))
			}
			wait := c.opts.PollInterval
			if wait > remaining {
				wait = remaining
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// executeOwned runs the operation while holding the PENDING lock and records
// the terminal state.
func (c *IdempotencyCoordinator) executeOwned(ctx context.Context, args []any, op Operation, record *IdempotencyRecord, owner, metricKey string) (any, error) {
	result, execErr := op(ctx, args)
	if execErr != nil {
		ae := infraerrors.FromError(execErr)
		if markErr := c.store.MarkFailed(ctx, record.ID, owner, ae.Reason, ae.Message); markErr != nil {
			slog.Error("idempotency_mark_failed_error",
				"method_key", metricKey,
				"record_id", record.ID,
				"error", markErr)
		}
		return nil, execErr
	}

	responseJSON := ""
	if raw, marshalErr := json.Marshal(result); marshalErr == nil {
		responseJSON = string(raw)
	} else {
		slog.Error("idempotency_response_marshal_failed",
			"method_key", metricKey,
			"record_id", record.ID,
			"error", marshalErr)
	}
	if markErr := c.store.MarkCompleted(ctx, record.ID, owner, responseJSON); markErr != nil {
		// The business effect already happened; losing the marker only costs
		// replay capability until the row expires.
		slog.Error("idempotency_mark_completed_error",
			"method_key", metricKey,
			"record_id", record.ID,
			"error", markErr)
	}
	c.metrics.IncrIdempotencyExecuted(metricKey)
	return result, nil
}

// decodeStoredResponse rebuilds the replayed result. With a known return type
// the stored JSON is decoded into a fresh typed value; otherwise generically.
func decodeStoredResponse(responseJSON string, returnType reflect.Type) (any, error) {
	if strings.TrimSpace(responseJSON) == "" {
		return nil, ErrIdempotentRespUnreadable
	}
	if returnType == nil {
		var out any
		if err := json.Unmarshal([]byte(responseJSON), &out); err != nil {
			return nil, ErrIdempotentRespUnreadable.WithCause(err)
		}
		return out, nil
	}
	ptr := reflect.New(returnType)
	if err := json.Unmarshal([]byte(responseJSON), ptr.Interface()); err != nil {
		return nil, ErrIdempotentRespUnreadable.WithCause(err)
	}
	return ptr.Elem().Interface(), nil
}

func previousFailedError(record *IdempotencyRecord) error {
	if record.ErrorReason == "" {
		return ErrIdempotencyPreviousFailed
	}
	return ErrIdempotencyPreviousFailed.WithMetadata(map[string]string{
		"original_reason": record.ErrorReason,
	})
}

func inProgressError(retryAfterSec int) error {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	return ErrIdempotencyInProgress.WithMetadata(map[string]string{
		"retry_after": strconv.Itoa(retryAfterSec),
	})
}

func retryAfterSeconds(d time.Duration) int {
	sec := int((d + time.Second - 1) / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

// callStatePolicy reads the memoized policy without triggering a lookup; the
// surrounding stages resolve it before the coordinator runs.
func callStatePolicy(ctx context.Context) *Policy {
	st := callStateFromContext(ctx)
	if st == nil || !st.policyLoaded {
		return nil
	}
	return st.policy
}

// withIdempotency wraps next with the claim protocol.
func (t *Toolkit) withIdempotency(spec OperationSpec, next Operation) Operation {
	methodKey := spec.MethodKey()
	return func(ctx context.Context, args []any) (any, error) {
		if spec.Idempotency == nil {
			return next(ctx, args)
		}
		policy := resolvePolicy(ctx, t.policies, methodKey)
		if !policy.stagesEnabled() {
			return next(ctx, args)
		}
		if policy != nil && policy.IdempotencyTTLSeconds != nil && *policy.IdempotencyTTLSeconds <= 0 {
			// Policy explicitly disables idempotency for this operation.
			return next(ctx, args)
		}
		return t.idempotency.Execute(ctx, spec, args, next)
	}
}
