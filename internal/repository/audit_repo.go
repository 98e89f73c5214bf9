package repository

import (
	"context"
	"database/sql"

	"github.com/Wei-Shaw/gatekit/internal/service"
)

type auditRepository struct {
	sql sqlExecutor
}

func NewAuditRepository(db *sql.DB) service.AuditSink {
	return &auditRepository{sql: db}
}

func (r *auditRepository) Write(ctx context.Context, record *service.AuditRecord) error {
	if record == nil {
		return nil
	}
	query := `
		INSERT INTO audit_call_logs (
			occurred_at, method_key, action, subject_type, subject_id,
			correlation_id, args_json, result_json, status,
			error_reason, error_message, error_stack, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	return scanSingleRow(ctx, r.sql, query, []any{
		record.OccurredAt,
		record.MethodKey,
		record.Action,
		record.SubjectType,
		record.SubjectID,
		record.CorrelationID,
		nullableString(record.ArgsJSON),
		nullableString(record.ResultJSON),
		record.Status,
		record.ErrorReason,
		record.ErrorMessage,
		record.ErrorStack,
		record.DurationMillis,
	}, &record.ID)
}

// ListRecent 供管理端排查调用历史，按时间倒序。
func (r *auditRepository) ListRecent(ctx context.Context, limit int) ([]service.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT
			id, occurred_at, method_key, action, subject_type, subject_id,
			correlation_id, COALESCE(args_json, ''), COALESCE(result_json, ''),
			status, error_reason, error_message, error_stack, duration_ms
		FROM audit_call_logs
		ORDER BY occurred_at DESC, id DESC
		LIMIT $1
	`
	rows, err := r.sql.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]service.AuditRecord, 0, limit)
	for rows.Next() {
		var record service.AuditRecord
		if err := rows.Scan(
			&record.ID,
			&record.OccurredAt,
			&record.MethodKey,
			&record.Action,
			&record.SubjectType,
			&record.SubjectID,
			&record.CorrelationID,
			&record.ArgsJSON,
			&record.ResultJSON,
			&record.Status,
			&record.ErrorReason,
			&record.ErrorMessage,
			&record.ErrorStack,
			&record.DurationMillis,
		); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
