package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Wei-Shaw/gatekit/internal/service"
)

type idempotencyRepository struct {
	db *sql.DB
}

func NewIdempotencyRepository(db *sql.DB) service.IdempotencyStore {
	return &idempotencyRepository{db: db}
}

const idempotencyRecordColumns = `
	id, client_key, method_key, idem_key, request_hash, status, response_json,
	error_reason, error_message, locked_by, locked_at, expires_at, created_at, updated_at
`

// AcquireOrGet 在单个事务内完成认领协议：行锁定后插入、重置过期行或接管
// 无主的 PENDING 行，否则原样返回已存在的记录。认领身份是
// (method_key, idem_key)；client_key 只是数据列。
func (r *idempotencyRepository) AcquireOrGet(ctx context.Context, candidate *service.IdempotencyRecord) (*service.IdempotencyAcquisition, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin idempotency tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	acq := &service.IdempotencyAcquisition{}
	for {
		existing, err := lockIdempotencyRecord(ctx, tx, candidate.MethodKey, candidate.IdemKey)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			inserted, err := insertIdempotencyRecord(ctx, tx, candidate)
			if err != nil {
				return nil, err
			}
			if !inserted {
				// 并发首次请求输掉了插入竞争，重新读取赢家的行
				continue
			}
			acq.Acquired = true
			acq.Record = candidate
			break
		}

		switch {
		case !existing.ExpiresAt.After(time.Now()):
			// 过期行重置为新的 PENDING 认领
			if err := resetIdempotencyRecord(ctx, tx, existing.ID, candidate); err != nil {
				return nil, err
			}
			candidate.ID = existing.ID
			acq.Acquired = true
			acq.Record = candidate

		case existing.Status == service.IdempotencyStatusPending && existing.LockedBy == "":
			if err := takeoverIdempotencyRecord(ctx, tx, existing.ID, candidate); err != nil {
				return nil, err
			}
			candidate.ID = existing.ID
			acq.Acquired = true
			acq.Record = candidate

		default:
			acq.Record = existing
		}
		break
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit idempotency tx: %w", err)
	}
	return acq, nil
}

func lockIdempotencyRecord(ctx context.Context, tx *sql.Tx, methodKey, idemKey string) (*service.IdempotencyRecord, error) {
	query := `
		SELECT ` + idempotencyRecordColumns + `
		FROM idempotency_records
		WHERE method_key = $1 AND idem_key = $2
		FOR UPDATE
	`
	record, err := scanIdempotencyRecord(tx.QueryRowContext(ctx, query, methodKey, idemKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// insertIdempotencyRecord 返回 false 表示唯一约束上输掉了并发插入竞争。
func insertIdempotencyRecord(ctx context.Context, tx *sql.Tx, record *service.IdempotencyRecord) (bool, error) {
	query := `
		INSERT INTO idempotency_records (
			client_key, method_key, idem_key, request_hash, status,
			locked_by, locked_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7)
		ON CONFLICT (method_key, idem_key) DO NOTHING
		RETURNING id, locked_at, created_at, updated_at
	`
	var lockedAt time.Time
	err := tx.QueryRowContext(ctx, query,
		record.ClientKey,
		record.MethodKey,
		record.IdemKey,
		record.RequestHash,
		record.Status,
		record.LockedBy,
		record.ExpiresAt,
	).Scan(&record.ID, &lockedAt, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	record.LockedAt = &lockedAt
	return true, nil
}

func resetIdempotencyRecord(ctx context.Context, tx *sql.Tx, id int64, candidate *service.IdempotencyRecord) error {
	query := `
		UPDATE idempotency_records
		SET request_hash = $2,
			status = $3,
			response_json = '',
			error_reason = '',
			error_message = '',
			locked_by = $4,
			locked_at = NOW(),
			expires_at = $5,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err := tx.ExecContext(ctx, query,
		id,
		candidate.RequestHash,
		candidate.Status,
		candidate.LockedBy,
		candidate.ExpiresAt,
	)
	return err
}

func takeoverIdempotencyRecord(ctx context.Context, tx *sql.Tx, id int64, candidate *service.IdempotencyRecord) error {
	query := `
		UPDATE idempotency_records
		SET locked_by = $2,
			locked_at = NOW(),
			expires_at = $3,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err := tx.ExecContext(ctx, query, id, candidate.LockedBy, candidate.ExpiresAt)
	return err
}

// MarkCompleted 仅持锁方可写入终态。
func (r *idempotencyRepository) MarkCompleted(ctx context.Context, id int64, owner, responseJSON string) error {
	query := `
		UPDATE idempotency_records
		SET status = $3,
			response_json = $4,
			locked_by = '',
			locked_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = $5
	`
	res, err := r.db.ExecContext(ctx, query,
		id,
		owner,
		service.IdempotencyStatusCompleted,
		responseJSON,
		service.IdempotencyStatusPending,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res, "mark completed")
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, id int64, owner, errorReason, errorMessage string) error {
	query := `
		UPDATE idempotency_records
		SET status = $3,
			error_reason = $4,
			error_message = $5,
			locked_by = '',
			locked_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = $6
	`
	res, err := r.db.ExecContext(ctx, query,
		id,
		owner,
		service.IdempotencyStatusFailed,
		errorReason,
		errorMessage,
		service.IdempotencyStatusPending,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res, "mark failed")
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		WITH victims AS (
			SELECT id
			FROM idempotency_records
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM idempotency_records
		WHERE id IN (SELECT id FROM victims)
	`
	res, err := r.db.ExecContext(ctx, query, now, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanIdempotencyRecord(row *sql.Row) (*service.IdempotencyRecord, error) {
	record := &service.IdempotencyRecord{}
	var lockedAt sql.NullTime
	err := row.Scan(
		&record.ID,
		&record.ClientKey,
		&record.MethodKey,
		&record.IdemKey,
		&record.RequestHash,
		&record.Status,
		&record.ResponseJSON,
		&record.ErrorReason,
		&record.ErrorMessage,
		&record.LockedBy,
		&lockedAt,
		&record.ExpiresAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lockedAt.Valid {
		v := lockedAt.Time
		record.LockedAt = &v
	}
	return record, nil
}

func requireRowAffected(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s: record not owned or not pending", op)
	}
	return nil
}
