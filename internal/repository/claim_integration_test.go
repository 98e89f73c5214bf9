//go:build integration

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Wei-Shaw/gatekit/internal/service"
)

const claimPostgresImage = "postgres:16-alpine"

var (
	claimDB     *sql.DB
	claimDBOnce sync.Once
	claimDBErr  error
)

// claimTestDB starts one shared postgres container for the package and
// applies the reference schema.
func claimTestDB(t *testing.T) *sql.DB {
	t.Helper()
	claimDBOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx, claimPostgresImage,
			tcpostgres.WithDatabase("gatekit_test"),
			tcpostgres.WithUsername("gatekit"),
			tcpostgres.WithPassword("gatekit"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			claimDBErr = fmt.Errorf("start postgres: %w", err)
			return
		}

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			claimDBErr = fmt.Errorf("connection string: %w", err)
			return
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			claimDBErr = fmt.Errorf("open: %w", err)
			return
		}
		if err := db.PingContext(ctx); err != nil {
			claimDBErr = fmt.Errorf("ping: %w", err)
			return
		}

		schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "schema.sql"))
		if err != nil {
			claimDBErr = fmt.Errorf("read schema: %w", err)
			return
		}
		if _, err := db.ExecContext(ctx, string(schema)); err != nil {
			claimDBErr = fmt.Errorf("apply schema: %w", err)
			return
		}
		claimDB = db
	})
	require.NoError(t, claimDBErr)
	return claimDB
}

func uniqueClaimKey(t *testing.T, prefix string) string {
	return fmt.Sprintf("%s-%s-%d", prefix, t.Name(), time.Now().UnixNano())
}

func pendingCandidate(clientKey, methodKey, idemKey, hash, owner string, ttl time.Duration) *service.IdempotencyRecord {
	return &service.IdempotencyRecord{
		ClientKey:   clientKey,
		MethodKey:   methodKey,
		IdemKey:     idemKey,
		RequestHash: hash,
		Status:      service.IdempotencyStatusPending,
		LockedBy:    owner,
		ExpiresAt:   time.Now().Add(ttl),
	}
}

func TestClaimProtocol_FirstAcquirerWins(t *testing.T) {
	db := claimTestDB(t)
	repo := NewIdempotencyRepository(db)
	ctx := context.Background()

	idemKey := uniqueClaimKey(t, "key")
	first, err := repo.AcquireOrGet(ctx, pendingCandidate("apiKey:a", "svc#Op()", idemKey, "h1", "owner-1", time.Hour))
	require.NoError(t, err)
	require.True(t, first.Acquired)
	require.NotZero(t, first.Record.ID)

	// A different subject reusing the key still lands on the same claim.
	second, err := repo.AcquireOrGet(ctx, pendingCandidate("apiKey:b", "svc#Op()", idemKey, "h1", "owner-2", time.Hour))
	require.NoError(t, err)
	require.False(t, second.Acquired, "the second caller must see the existing claim")
	require.Equal(t, first.Record.ID, second.Record.ID)
	require.Equal(t, "owner-1", second.Record.LockedBy)
	require.Equal(t, service.IdempotencyStatusPending, second.Record.Status)
}

func TestClaimProtocol_ConcurrentAcquirersSingleWinner(t *testing.T) {
	db := claimTestDB(t)
	repo := NewIdempotencyRepository(db)
	ctx := context.Background()

	idemKey := uniqueClaimKey(t, "race")
	const workers = 8
	var wg sync.WaitGroup
	acquired := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			acq, err := repo.AcquireOrGet(ctx, pendingCandidate(
				"apiKey:a", "svc#Op()", idemKey, "h1", fmt.Sprintf("owner-%d", n), time.Hour))
			if err == nil {
				acquired <- acq.Acquired
			}
		}(i)
	}
	wg.Wait()
	close(acquired)

	winners := 0
	total := 0
	for won := range acquired {
		total++
		if won {
			winners++
		}
	}
	require.Equal(t, workers, total)
	require.Equal(t, 1, winners, "the row lock must admit exactly one owner")
}

func TestClaimProtocol_CompletedRecordReplays(t *testing.T) {
	db := claimTestDB(t)
	repo := NewIdempotencyRepository(db)
	ctx := context.Background()

	idemKey := uniqueClaimKey(t, "done")
	acq, err := repo.AcquireOrGet(ctx, pendingCandidate("apiKey:a", "svc#Op()", idemKey, "h1", "owner-1", time.Hour))
	require.NoError(t, err)
	require.True(t, acq.Acquired)

	require.NoError(t, repo.MarkCompleted(ctx, acq.Record.ID, "owner-1", `{"ok":true}`))

	replay, err := repo.AcquireOrGet(ctx, pendingCandidate("apiKey:a", "svc#Op()", idemKey, "h1", "owner-2", time.Hour))
	require.NoError(t, err)
	require.False(t, replay.Acquired)
	require.Equal(t, service.IdempotencyStatusCompleted, replay.Record.Status)
	require.JSONEq(t, `{"ok":true}`, replay.Record.ResponseJSON)
	require.Empty(t, replay.Record.LockedBy, "completion releases the lock")
}

func TestClaimProtocol_MarkRequiresOwnership(t *testing.T) {
	db := claimTestDB(t)
	repo := NewIdempotencyRepository(db)
	ctx := context.Background()

	idemKey := uniqueClaimKey(t, "owned")
	acq, err := repo.AcquireOrGet(ctx, pendingCandidate("apiKey:a", "svc#Op()", idemKey, "h1", "owner-1", time.Hour))
	require.NoError(t, err)
	require.True(t, acq.Acquired)

	require.Error(t, repo.MarkCompleted(ctx, acq.Record.ID, "stranger", "{}"))
	require.NoError(t, repo.MarkFailed(ctx, acq.Record.ID, "owner-1", "BOOM", "went wrong"))
	// The terminal state is written once; a second write must not succeed.
	require.Error(t, repo.MarkCompleted(ctx, acq.Record.ID, "owner-1", "{}"))
}

func TestClaimProtocol_ExpiredRecordReclaimed(t *testing.T) {
	db := claimTestDB(t)
	repo := NewIdempotencyRepository(db)
	ctx := context.Background()

	idemKey := uniqueClaimKey(t, "expired")
	acq, err := repo.AcquireOrGet(ctx, pendingCandidate("apiKey:a", "svc#Op()", idemKey, "h1", "owner-1", time.Hour))
	require.NoError(t, err)
	require.NoError(t, repo.MarkCompleted(ctx, acq.Record.ID, "owner-1", `{"old":true}`))

	_, err = db.ExecContext(ctx,
		`UPDATE idempotency_records SET expires_at = NOW() - INTERVAL '1 minute' WHERE id = $1`, acq.Record.ID)
	require.NoError(t, err)

	reclaimed, err := repo.AcquireOrGet(ctx, pendingCandidate("apiKey:a", "svc#Op()", idemKey, "h2", "owner-2", time.Hour))
	require.NoError(t, err)
	require.True(t, reclaimed.Acquired, "an expired record is reset, not replayed")
	require.Equal(t, acq.Record.ID, reclaimed.Record.ID)
	require.Equal(t, "h2", reclaimed.Record.RequestHash)
}

func TestClaimProtocol_UnlockedPendingTakenOver(t *testing.T) {
	db := claimTestDB(t)
	repo := NewIdempotencyRepository(db)
	ctx := context.Background()

	idemKey := uniqueClaimKey(t, "orphan")
	acq, err := repo.AcquireOrGet(ctx, pendingCandidate("apiKey:a", "svc#Op()", idemKey, "h1", "owner-1", time.Hour))
	require.NoError(t, err)

	// Simulate a crashed owner by clearing the lock holder.
	_, err = db.ExecContext(ctx,
		`UPDATE idempotency_records SET locked_by = '' WHERE id = $1`, acq.Record.ID)
	require.NoError(t, err)

	takeover, err := repo.AcquireOrGet(ctx, pendingCandidate("apiKey:a", "svc#Op()", idemKey, "h1", "owner-2", time.Hour))
	require.NoError(t, err)
	require.True(t, takeover.Acquired)
	require.Equal(t, "owner-2", takeover.Record.LockedBy)
}

func TestClaimProtocol_DeleteExpiredBatches(t *testing.T) {
	db := claimTestDB(t)
	repo := NewIdempotencyRepository(db)
	ctx := context.Background()

	methodKey := uniqueClaimKey(t, "sweep")
	for i := 0; i < 7; i++ {
		acq, err := repo.AcquireOrGet(ctx, pendingCandidate(
			"apiKey:sweep", methodKey, fmt.Sprintf("key-%d", i), "h", "owner", time.Hour))
		require.NoError(t, err)
		_, err = db.ExecContext(ctx,
			`UPDATE idempotency_records SET expires_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, acq.Record.ID)
		require.NoError(t, err)
	}

	first, err := repo.DeleteExpired(ctx, time.Now().UTC(), 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, first)

	second, err := repo.DeleteExpired(ctx, time.Now().UTC(), 5)
	require.NoError(t, err)
	require.EqualValues(t, 2, second)
}
