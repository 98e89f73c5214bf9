package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/gatekit/internal/service"
)

var idempotencyColumns = []string{
	"id", "client_key", "method_key", "idem_key", "request_hash", "status",
	"response_json", "error_reason", "error_message", "locked_by", "locked_at",
	"expires_at", "created_at", "updated_at",
}

func TestIdempotencyRepoAcquireInsertsFreshClaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &idempotencyRepository{db: db}

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT(.|\n)+FROM idempotency_records(.|\n)+FOR UPDATE`).
		WithArgs("svc.Demo#Op()", "key-1").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns))
	mock.ExpectQuery(`INSERT INTO idempotency_records(.|\n)+ON CONFLICT \(method_key, idem_key\) DO NOTHING(.|\n)+RETURNING id, locked_at, created_at, updated_at`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "locked_at", "created_at", "updated_at"}).
			AddRow(int64(11), now, now, now))
	mock.ExpectCommit()

	candidate := &service.IdempotencyRecord{
		ClientKey:   "apiKey:a",
		MethodKey:   "svc.Demo#Op()",
		IdemKey:     "key-1",
		RequestHash: "h1",
		Status:      service.IdempotencyStatusPending,
		LockedBy:    "corr-1",
		ExpiresAt:   now.Add(time.Hour),
	}
	acq, err := repo.AcquireOrGet(context.Background(), candidate)
	require.NoError(t, err)
	require.True(t, acq.Acquired)
	require.EqualValues(t, 11, acq.Record.ID)
	require.NotNil(t, acq.Record.LockedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepoAcquireInsertRaceRereadsWinner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &idempotencyRepository{db: db}

	now := time.Now()
	mock.ExpectBegin()
	// First read sees nothing; the concurrent winner commits between the read
	// and our insert, so ON CONFLICT DO NOTHING returns no row.
	mock.ExpectQuery(`SELECT(.|\n)+FOR UPDATE`).
		WithArgs("svc.Demo#Op()", "key-1").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns))
	mock.ExpectQuery(`INSERT INTO idempotency_records(.|\n)+ON CONFLICT \(method_key, idem_key\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "locked_at", "created_at", "updated_at"}))
	mock.ExpectQuery(`SELECT(.|\n)+FOR UPDATE`).
		WithArgs("svc.Demo#Op()", "key-1").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns).
			AddRow(int64(11), "apiKey:a", "svc.Demo#Op()", "key-1", "h1",
				string(service.IdempotencyStatusPending), "", "", "",
				"owner-1", now, now.Add(time.Hour), now, now))
	mock.ExpectCommit()

	acq, err := repo.AcquireOrGet(context.Background(), &service.IdempotencyRecord{
		ClientKey:   "apiKey:b",
		MethodKey:   "svc.Demo#Op()",
		IdemKey:     "key-1",
		RequestHash: "h1",
		Status:      service.IdempotencyStatusPending,
		LockedBy:    "owner-2",
		ExpiresAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.False(t, acq.Acquired, "the insert loser must observe the winner's claim, not an error")
	require.Equal(t, "owner-1", acq.Record.LockedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepoAcquireReturnsHeldRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &idempotencyRepository{db: db}

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT(.|\n)+FOR UPDATE`).
		WithArgs("svc.Demo#Op()", "key-1").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns).
			AddRow(int64(11), "apiKey:a", "svc.Demo#Op()", "key-1", "h1",
				string(service.IdempotencyStatusCompleted), `{"ok":true}`, "", "",
				"", nil, now.Add(time.Hour), now, now))
	mock.ExpectCommit()

	// A different subject reusing the key sees the same claim row.
	acq, err := repo.AcquireOrGet(context.Background(), &service.IdempotencyRecord{
		ClientKey: "apiKey:other",
		MethodKey: "svc.Demo#Op()",
		IdemKey:   "key-1",
		Status:    service.IdempotencyStatusPending,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.False(t, acq.Acquired, "a live COMPLETED row is returned, not reclaimed")
	require.Equal(t, service.IdempotencyStatusCompleted, acq.Record.Status)
	require.JSONEq(t, `{"ok":true}`, acq.Record.ResponseJSON)
	require.Nil(t, acq.Record.LockedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepoAcquireResetsExpiredRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &idempotencyRepository{db: db}

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT(.|\n)+FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(idempotencyColumns).
			AddRow(int64(11), "apiKey:a", "svc.Demo#Op()", "key-1", "old-hash",
				string(service.IdempotencyStatusCompleted), `{"old":true}`, "", "",
				"", nil, now.Add(-time.Minute), now.Add(-25*time.Hour), now.Add(-time.Hour)))
	mock.ExpectExec(`UPDATE idempotency_records(.|\n)+SET request_hash = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	candidate := &service.IdempotencyRecord{
		ClientKey:   "apiKey:a",
		MethodKey:   "svc.Demo#Op()",
		IdemKey:     "key-1",
		RequestHash: "new-hash",
		Status:      service.IdempotencyStatusPending,
		LockedBy:    "corr-2",
		ExpiresAt:   now.Add(time.Hour),
	}
	acq, err := repo.AcquireOrGet(context.Background(), candidate)
	require.NoError(t, err)
	require.True(t, acq.Acquired, "an expired row is reset and reclaimed")
	require.EqualValues(t, 11, acq.Record.ID)
	require.Equal(t, "new-hash", acq.Record.RequestHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepoAcquireTakesOverUnlockedPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &idempotencyRepository{db: db}

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT(.|\n)+FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(idempotencyColumns).
			AddRow(int64(11), "apiKey:a", "svc.Demo#Op()", "key-1", "h1",
				string(service.IdempotencyStatusPending), "", "", "",
				"", nil, now.Add(time.Hour), now, now))
	mock.ExpectExec(`UPDATE idempotency_records(.|\n)+SET locked_by = \$2`).
		WithArgs(int64(11), "corr-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	acq, err := repo.AcquireOrGet(context.Background(), &service.IdempotencyRecord{
		ClientKey:   "apiKey:a",
		MethodKey:   "svc.Demo#Op()",
		IdemKey:     "key-1",
		RequestHash: "h1",
		Status:      service.IdempotencyStatusPending,
		LockedBy:    "corr-2",
		ExpiresAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, acq.Acquired, "an unlocked PENDING row belongs to whoever claims it")
	require.Equal(t, "corr-2", acq.Record.LockedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepoMarkCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &idempotencyRepository{db: db}

	mock.ExpectExec(`UPDATE idempotency_records(.|\n)+WHERE id = \$1 AND locked_by = \$2 AND status = \$5`).
		WithArgs(int64(11), "corr-1",
			string(service.IdempotencyStatusCompleted), `{"ok":true}`,
			string(service.IdempotencyStatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkCompleted(context.Background(), 11, "corr-1", `{"ok":true}`))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepoMarkCompletedNotOwner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &idempotencyRepository{db: db}

	mock.ExpectExec(`UPDATE idempotency_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.MarkCompleted(context.Background(), 11, "stranger", "{}")
	require.Error(t, err, "only the lock holder may write the terminal state")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepoMarkFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &idempotencyRepository{db: db}

	mock.ExpectExec(`UPDATE idempotency_records`).
		WithArgs(int64(11), "corr-1",
			string(service.IdempotencyStatusFailed), "PAYMENT_REJECTED", "card declined",
			string(service.IdempotencyStatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkFailed(context.Background(), 11, "corr-1", "PAYMENT_REJECTED", "card declined"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepoDeleteExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &idempotencyRepository{db: db}

	now := time.Now()
	mock.ExpectExec(`WITH victims AS(.|\n)+DELETE FROM idempotency_records`).
		WithArgs(now, 500).
		WillReturnResult(sqlmock.NewResult(0, 321))

	deleted, err := repo.DeleteExpired(context.Background(), now, 0)
	require.NoError(t, err)
	require.EqualValues(t, 321, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}
