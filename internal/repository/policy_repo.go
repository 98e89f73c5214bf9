package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Wei-Shaw/gatekit/internal/service"
)

type policyRepository struct {
	sql sqlExecutor
}

func NewPolicyRepository(db *sql.DB) service.PolicyStore {
	return &policyRepository{sql: db}
}

// GetPolicy 返回 (client_key, method_key) 的策略行，无记录时返回 nil。
func (r *policyRepository) GetPolicy(ctx context.Context, clientKey, methodKey string) (*service.Policy, error) {
	query := `
		SELECT
			client_key, method_key, enabled,
			rl_permits_per_sec, rl_burst,
			retry_max_attempts, retry_backoff_ms,
			cache_ttl_seconds, idempotency_ttl_seconds,
			created_at, updated_at
		FROM api_client_policies
		WHERE client_key = $1 AND method_key = $2
	`
	policy := &service.Policy{}
	var (
		rlPermits      sql.NullInt64
		rlBurst        sql.NullInt64
		retryAttempts  sql.NullInt64
		retryBackoffMs sql.NullInt64
		cacheTTL       sql.NullInt64
		idemTTL        sql.NullInt64
	)
	err := scanSingleRow(ctx, r.sql, query, []any{clientKey, methodKey},
		&policy.ClientKey,
		&policy.MethodKey,
		&policy.Enabled,
		&rlPermits,
		&rlBurst,
		&retryAttempts,
		&retryBackoffMs,
		&cacheTTL,
		&idemTTL,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	policy.RateLimitPermitsPerSec = nullableInt(rlPermits)
	policy.RateLimitBurst = nullableInt(rlBurst)
	policy.RetryMaxAttempts = nullableInt(retryAttempts)
	policy.RetryBackoffMillis = nullableInt(retryBackoffMs)
	policy.CacheTTLSeconds = nullableInt(cacheTTL)
	policy.IdempotencyTTLSeconds = nullableInt(idemTTL)
	return policy, nil
}

// UpsertPolicy 管理端写入策略行，冲突时整行覆盖。
func (r *policyRepository) UpsertPolicy(ctx context.Context, policy *service.Policy) error {
	query := `
		INSERT INTO api_client_policies (
			client_key, method_key, enabled,
			rl_permits_per_sec, rl_burst,
			retry_max_attempts, retry_backoff_ms,
			cache_ttl_seconds, idempotency_ttl_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (client_key, method_key) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			rl_permits_per_sec = EXCLUDED.rl_permits_per_sec,
			rl_burst = EXCLUDED.rl_burst,
			retry_max_attempts = EXCLUDED.retry_max_attempts,
			retry_backoff_ms = EXCLUDED.retry_backoff_ms,
			cache_ttl_seconds = EXCLUDED.cache_ttl_seconds,
			idempotency_ttl_seconds = EXCLUDED.idempotency_ttl_seconds,
			updated_at = NOW()
	`
	_, err := r.sql.ExecContext(ctx, query,
		policy.ClientKey,
		policy.MethodKey,
		policy.Enabled,
		nullableIntValue(policy.RateLimitPermitsPerSec),
		nullableIntValue(policy.RateLimitBurst),
		nullableIntValue(policy.RetryMaxAttempts),
		nullableIntValue(policy.RetryBackoffMillis),
		nullableIntValue(policy.CacheTTLSeconds),
		nullableIntValue(policy.IdempotencyTTLSeconds),
	)
	return err
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullableIntValue(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
