package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/gatekit/internal/service"
)

// 凭证 L2 缓存键前缀
// 格式: gatekit:auth:client:{keyHash}
const credentialCacheKeyPrefix = "gatekit:auth:client:"

type credentialRedisCache struct {
	client *redis.Client
}

// NewCredentialRedisCache 构建共享的凭证缓存层，client 为 nil 时返回 nil，
// 上层据此关闭 L2。
func NewCredentialRedisCache(client *redis.Client) service.CredentialL2Cache {
	if client == nil {
		return nil
	}
	return &credentialRedisCache{client: client}
}

func (c *credentialRedisCache) GetAuthEntry(ctx context.Context, cacheKey string) (*service.CredentialCacheEntry, error) {
	raw, err := c.client.Get(ctx, credentialCacheKeyPrefix+cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credential cache get: %w", err)
	}
	entry := &service.CredentialCacheEntry{}
	if err := json.Unmarshal(raw, entry); err != nil {
		// 结构变更后的脏数据按未命中处理
		_ = c.client.Del(ctx, credentialCacheKeyPrefix+cacheKey).Err()
		return nil, nil
	}
	return entry, nil
}

func (c *credentialRedisCache) SetAuthEntry(ctx context.Context, cacheKey string, entry *service.CredentialCacheEntry, ttl time.Duration) error {
	if entry == nil || ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("credential cache marshal: %w", err)
	}
	return c.client.Set(ctx, credentialCacheKeyPrefix+cacheKey, raw, ttl).Err()
}

func (c *credentialRedisCache) DeleteAuthEntry(ctx context.Context, cacheKey string) error {
	return c.client.Del(ctx, credentialCacheKeyPrefix+cacheKey).Err()
}
