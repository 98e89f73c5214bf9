package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Wei-Shaw/gatekit/internal/service"
)

type clientRepository struct {
	sql sqlExecutor
}

func NewClientRepository(db *sql.DB) service.CredentialRepository {
	return &clientRepository{sql: db}
}

func (r *clientRepository) Create(ctx context.Context, client *service.APIClient) error {
	query := `
		INSERT INTO api_clients (name, key_hash, enabled)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`
	return scanSingleRow(ctx, r.sql, query, []any{
		client.Name,
		client.KeyHash,
		client.Enabled,
	}, &client.ID, &client.CreatedAt, &client.UpdatedAt)
}

func (r *clientRepository) GetByKeyHash(ctx context.Context, keyHash string) (*service.APIClient, error) {
	query := `
		SELECT id, name, key_hash, enabled, created_at, updated_at
		FROM api_clients
		WHERE key_hash = $1
	`
	client := &service.APIClient{}
	err := scanSingleRow(ctx, r.sql, query, []any{keyHash},
		&client.ID,
		&client.Name,
		&client.KeyHash,
		&client.Enabled,
		&client.CreatedAt,
		&client.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrAPIClientNotFound
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *clientRepository) List(ctx context.Context, page, pageSize int) ([]service.APIClient, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	if err := scanSingleRow(ctx, r.sql, `SELECT COUNT(*) FROM api_clients`, nil, &total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, name, key_hash, enabled, created_at, updated_at
		FROM api_clients
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.sql.QueryContext(ctx, query, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]service.APIClient, 0, pageSize)
	for rows.Next() {
		var client service.APIClient
		if err := rows.Scan(
			&client.ID,
			&client.Name,
			&client.KeyHash,
			&client.Enabled,
			&client.CreatedAt,
			&client.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		out = append(out, client)
	}
	return out, total, rows.Err()
}

func (r *clientRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	query := `
		UPDATE api_clients
		SET enabled = $2, updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.sql.ExecContext(ctx, query, id, enabled)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return service.ErrAPIClientNotFound
	}
	return nil
}
