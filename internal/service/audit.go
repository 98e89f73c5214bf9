package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	infraerrors "github.com/Wei-Shaw/gatekit/internal/pkg/errors"
)

const (
	auditStatusOK    = "OK"
	auditStatusError = "ERROR"

	auditPreviewMaxChars = 10000
)

// AuditRecord is one operation invocation as persisted by an AuditSink.
type AuditRecord struct {
	ID             int64
	OccurredAt     time.Time
	MethodKey      string
	Action         string
	SubjectType    string
	SubjectID      string
	CorrelationID  string
	ArgsJSON       string
	ResultJSON     string
	Status         string
	ErrorReason    string
	ErrorMessage   string
	ErrorStack     string
	DurationMillis int64
}

// AuditSink persists audit records. Implemented by repository.AuditRepository.
type AuditSink interface {
	Write(ctx context.Context, record *AuditRecord) error
}

// auditPayload serializes v to JSON and applies the truncation envelope when
// the payload exceeds maxChars. Values that fail to serialize are recorded as
// a quoted placeholder rather than dropped.
func auditPayload(v any, maxChars int) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return `"<unserializable>"`
	}
	payload := string(raw)
	if !gjson.Valid(payload) {
		return `"<unserializable>"`
	}
	if maxChars <= 0 || len(payload) <= maxChars {
		return payload
	}

	previewLen := maxChars
	if previewLen > auditPreviewMaxChars {
		previewLen = auditPreviewMaxChars
	}
	envelope := "{}"
	envelope, _ = sjson.Set(envelope, "_truncated", true)
	envelope, _ = sjson.Set(envelope, "_originalLength", len(payload))
	envelope, _ = sjson.Set(envelope, "_preview", payload[:previewLen])
	return envelope
}

// withAudit wraps next with audit recording. The sink is isolated: a write
// failure is logged and counted, never surfaced to the caller.
func (t *Toolkit) withAudit(spec OperationSpec, next Operation) Operation {
	methodKey := spec.MethodKey()
	metricKey := spec.MetricKey()
	return func(ctx context.Context, args []any) (any, error) {
		auditSpec := spec.Audit
		if auditSpec == nil {
			return next(ctx, args)
		}

		start := time.Now()
		result, err := next(ctx, args)
		elapsed := time.Since(start)
		t.metrics.ObserveDuration(metricKey, elapsed)

		maxChars := auditSpec.MaxPayloadChars
		if maxChars <= 0 {
			maxChars = t.maxPayloadChars
		}

		subject := SubjectFromContext(ctx)
		action := auditSpec.Action
		if action == "" {
			action = methodKey
		}
		record := &AuditRecord{
			OccurredAt:     start,
			MethodKey:      methodKey,
			Action:         action,
			SubjectType:    subject.Type,
			SubjectID:      subject.ID,
			CorrelationID:  CorrelationIDFromContext(ctx),
			Status:         auditStatusOK,
			DurationMillis: elapsed.Milliseconds(),
		}
		if auditSpec.CaptureArgs {
			record.ArgsJSON = auditPayload(args, maxChars)
		}
		if err != nil {
			record.Status = auditStatusError
			record.ErrorReason = infraerrors.Reason(err)
			record.ErrorMessage = err.Error()
			if auditSpec.CaptureStacktrace {
				record.ErrorStack = string(debug.Stack())
			}
		} else if auditSpec.CaptureResult {
			record.ResultJSON = auditPayload(result, maxChars)
		}

		if sinkErr := t.writeAudit(ctx, record); sinkErr != nil {
			t.metrics.IncrAuditDropped(metricKey)
			slog.Error("audit_record_dropped",
				"method_key", metricKey,
				"correlation_id", record.CorrelationID,
				"error", sinkErr)
		}

		return result, err
	}
}

// writeAudit shields the chain from a panicking sink implementation.
func (t *Toolkit) writeAudit(ctx context.Context, record *AuditRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = infraerrors.InternalServer("AUDIT_SINK_PANIC", "audit sink panicked")
		}
	}()
	return t.audit.Write(ctx, record)
}
