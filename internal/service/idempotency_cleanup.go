package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/Wei-Shaw/gatekit/internal/config"
)

const (
	idempotencyCleanupLockKey = "gatekit:idempotency:cleanup:leader"
	idempotencyCleanupLockTTL = 5 * time.Minute
)

var idempotencyCleanupCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var idempotencyCleanupReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// IdempotencyCleanupService periodically deletes expired idempotency records
// so the table does not grow without bound.
//
// - Scheduling: 5-field cron spec (minute hour dom month dow).
// - Multi-instance: best-effort Redis leader lock so only one node cleans up.
// - Safety: deletes in batches to avoid long transactions.
type IdempotencyCleanupService struct {
	store       IdempotencyStore
	redisClient *redis.Client
	cfg         *config.Config

	instanceID string

	cron *cron.Cron

	startOnce sync.Once
	stopOnce  sync.Once

	warnNoRedisOnce sync.Once
}

func NewIdempotencyCleanupService(store IdempotencyStore, redisClient *redis.Client, cfg *config.Config) *IdempotencyCleanupService {
	return &IdempotencyCleanupService{
		store:       store,
		redisClient: redisClient,
		cfg:         cfg,
		instanceID:  uuid.NewString(),
	}
}

func (s *IdempotencyCleanupService) Start() {
	if s == nil || s.store == nil {
		return
	}

	s.startOnce.Do(func() {
		schedule := "*/10 * * * *"
		if s.cfg != nil && strings.TrimSpace(s.cfg.Idempotency.CleanupSchedule) != "" {
			schedule = strings.TrimSpace(s.cfg.Idempotency.CleanupSchedule)
		}

		loc := time.Local
		if s.cfg != nil && strings.TrimSpace(s.cfg.Timezone) != "" {
			if parsed, err := time.LoadLocation(strings.TrimSpace(s.cfg.Timezone)); err == nil && parsed != nil {
				loc = parsed
			}
		}

		c := cron.New(cron.WithParser(idempotencyCleanupCronParser), cron.WithLocation(loc))
		_, err := c.AddFunc(schedule, func() { s.runScheduled() })
		if err != nil {
			slog.Warn("idempotency_cleanup_not_started", "schedule", schedule, "error", err)
			return
		}
		s.cron = c
		s.cron.Start()
		slog.Info("idempotency_cleanup_started", "schedule", schedule, "tz", loc.String())
	})
}

func (s *IdempotencyCleanupService) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.cron != nil {
			ctx := s.cron.Stop()
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
				slog.Warn("idempotency_cleanup_stop_timeout")
			}
		}
	})
}

func (s *IdempotencyCleanupService) runScheduled() {
	if s == nil || s.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	release, ok := s.tryAcquireLeaderLock(ctx)
	if !ok {
		return
	}
	if release != nil {
		defer release()
	}

	startedAt := time.Now()
	deleted, err := s.runCleanupOnce(ctx)
	if err != nil {
		slog.Warn("idempotency_cleanup_failed", "deleted", deleted, "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("idempotency_cleanup_complete", "deleted", deleted, "duration_ms", time.Since(startedAt).Milliseconds())
	}
}

func (s *IdempotencyCleanupService) runCleanupOnce(ctx context.Context) (int64, error) {
	batchSize := 500
	if s.cfg != nil && s.cfg.Idempotency.CleanupBatchSize > 0 {
		batchSize = s.cfg.Idempotency.CleanupBatchSize
	}

	var total int64
	for {
		n, err := s.store.DeleteExpired(ctx, time.Now().UTC(), batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

func (s *IdempotencyCleanupService) tryAcquireLeaderLock(ctx context.Context) (func(), bool) {
	if s.redisClient == nil {
		// 无 Redis 时按单实例处理
		s.warnNoRedisOnce.Do(func() {
			slog.Info("idempotency_cleanup_no_redis_assuming_single_instance")
		})
		return nil, true
	}

	ok, err := s.redisClient.SetNX(ctx, idempotencyCleanupLockKey, s.instanceID, idempotencyCleanupLockTTL).Result()
	if err != nil {
		// Redis 故障时放行，过期删除本身是幂等的
		slog.Warn("idempotency_cleanup_leader_lock_failed", "error", err)
		return nil, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		_, _ = idempotencyCleanupReleaseScript.Run(ctx, s.redisClient, []string{idempotencyCleanupLockKey}, s.instanceID).Result()
	}, true
}
