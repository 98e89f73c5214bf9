package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/Wei-Shaw/gatekit/internal/config"
	infraerrors "github.com/Wei-Shaw/gatekit/internal/pkg/errors"
)

var ErrAPIClientNotFound = infraerrors.NotFound("API_CLIENT_NOT_FOUND", "api client not found")

// APIClient is a registered caller of the API. Only the peppered key hash is
// stored; the raw key is returned once at creation time.
type APIClient struct {
	ID        int64
	Name      string
	KeyHash   string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CredentialRepository persists API clients. Implemented in repository.
type CredentialRepository interface {
	Create(ctx context.Context, client *APIClient) error
	GetByKeyHash(ctx context.Context, keyHash string) (*APIClient, error)
	List(ctx context.Context, page, pageSize int) ([]APIClient, int64, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
}

// CredentialCacheEntry is the L1/L2 cache value. NotFound entries cache
// misses so a storm of bogus keys cannot hammer the database.
type CredentialCacheEntry struct {
	NotFound bool       `json:"not_found,omitempty"`
	Client   *APIClient `json:"client,omitempty"`
}

// CredentialL2Cache is the optional shared cache tier (redis). Implemented in
// repository; nil disables the tier.
type CredentialL2Cache interface {
	GetAuthEntry(ctx context.Context, cacheKey string) (*CredentialCacheEntry, error)
	SetAuthEntry(ctx context.Context, cacheKey string, entry *CredentialCacheEntry, ttl time.Duration) error
	DeleteAuthEntry(ctx context.Context, cacheKey string) error
}

type credentialCacheConfig struct {
	l1Size        int
	l1TTL         time.Duration
	l2TTL         time.Duration
	negativeTTL   time.Duration
	jitterPercent int
	singleflight  bool
}

var (
	jitterRandMu = sync.Mutex{}
	// 缓存抖动使用独立随机源，避免全局 Seed
	jitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func newCredentialCacheConfig(cfg config.CredentialCacheConfig) credentialCacheConfig {
	return credentialCacheConfig{
		l1Size:        cfg.L1Size,
		l1TTL:         time.Duration(cfg.L1TTLSeconds) * time.Second,
		l2TTL:         time.Duration(cfg.L2TTLSeconds) * time.Second,
		negativeTTL:   time.Duration(cfg.NegativeTTLSeconds) * time.Second,
		jitterPercent: cfg.JitterPercent,
		singleflight:  cfg.Singleflight,
	}
}

func (c credentialCacheConfig) l1Enabled() bool       { return c.l1Size > 0 && c.l1TTL > 0 }
func (c credentialCacheConfig) l2Enabled() bool       { return c.l2TTL > 0 }
func (c credentialCacheConfig) negativeEnabled() bool { return c.negativeTTL > 0 }

func (c credentialCacheConfig) jitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || c.jitterPercent <= 0 {
		return ttl
	}
	percent := c.jitterPercent
	if percent > 100 {
		percent = 100
	}
	delta := float64(percent) / 100
	jitterRandMu.Lock()
	randVal := jitterRand.Float64()
	jitterRandMu.Unlock()
	factor := 1 - delta + randVal*(2*delta)
	if factor <= 0 {
		return ttl
	}
	return time.Duration(float64(ttl) * factor)
}

// CredentialService authenticates key hashes against the client registry,
// with an in-process L1 cache, an optional shared L2 cache and negative
// caching for unknown keys.
type CredentialService struct {
	repo     CredentialRepository
	l2       CredentialL2Cache
	hasher   *APIKeyHasher
	cacheCfg credentialCacheConfig

	l1    *ristretto.Cache
	group singleflight.Group
}

func NewCredentialService(repo CredentialRepository, l2 CredentialL2Cache, hasher *APIKeyHasher, cfg config.CredentialCacheConfig) *CredentialService {
	s := &CredentialService{
		repo:     repo,
		l2:       l2,
		hasher:   hasher,
		cacheCfg: newCredentialCacheConfig(cfg),
	}
	if s.cacheCfg.l1Enabled() {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: int64(s.cacheCfg.l1Size) * 10,
			MaxCost:     int64(s.cacheCfg.l1Size),
			BufferItems: 64,
		})
		if err == nil {
			s.l1 = cache
		}
	}
	return s
}

// CreateClient registers a new API client and returns it together with the
// freshly minted raw key. The raw key is not stored anywhere.
func (s *CredentialService) CreateClient(ctx context.Context, name string) (*APIClient, string, error) {
	rawKey, err := s.hasher.GenerateKey()
	if err != nil {
		return nil, "", err
	}
	client := &APIClient{
		Name:    name,
		KeyHash: s.hasher.Hash(rawKey),
		Enabled: true,
	}
	if err := s.repo.Create(ctx, client); err != nil {
		return nil, "", fmt.Errorf("create api client: %w", err)
	}
	return client, rawKey, nil
}

// ListClients pages through registered clients.
func (s *CredentialService) ListClients(ctx context.Context, page, pageSize int) ([]APIClient, int64, error) {
	return s.repo.List(ctx, page, pageSize)
}

// SetClientEnabled flips the enabled flag and drops cached entries for the
// client so the change takes effect without waiting for TTL.
func (s *CredentialService) SetClientEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.repo.SetEnabled(ctx, id, enabled)
}

// AuthenticateHash resolves a key hash to its client. Unknown hashes return
// ErrAPIClientNotFound; the miss itself is cached.
func (s *CredentialService) AuthenticateHash(ctx context.Context, keyHash string) (*APIClient, error) {
	if entry, ok := s.getCached(ctx, keyHash); ok {
		return s.applyEntry(entry)
	}

	load := func() (any, error) {
		return s.loadEntry(ctx, keyHash)
	}
	if s.cacheCfg.singleflight {
		v, err, _ := s.group.Do(keyHash, load)
		if err != nil {
			return nil, err
		}
		return s.applyEntry(v.(*CredentialCacheEntry))
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	return s.applyEntry(v.(*CredentialCacheEntry))
}

func (s *CredentialService) applyEntry(entry *CredentialCacheEntry) (*APIClient, error) {
	if entry == nil || (entry.Client == nil && !entry.NotFound) {
		return nil, ErrAPIClientNotFound
	}
	if entry.NotFound {
		return nil, ErrAPIClientNotFound
	}
	return entry.Client, nil
}

func (s *CredentialService) getCached(ctx context.Context, keyHash string) (*CredentialCacheEntry, bool) {
	if s.l1 != nil {
		if v, ok := s.l1.Get(keyHash); ok {
			if entry, ok := v.(*CredentialCacheEntry); ok {
				return entry, true
			}
		}
	}
	if s.l2 == nil || !s.cacheCfg.l2Enabled() {
		return nil, false
	}
	entry, err := s.l2.GetAuthEntry(ctx, keyHash)
	if err != nil || entry == nil {
		return nil, false
	}
	s.setL1(keyHash, entry)
	return entry, true
}

func (s *CredentialService) loadEntry(ctx context.Context, keyHash string) (*CredentialCacheEntry, error) {
	client, err := s.repo.GetByKeyHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, ErrAPIClientNotFound) {
			entry := &CredentialCacheEntry{NotFound: true}
			if s.cacheCfg.negativeEnabled() {
				s.setEntry(ctx, keyHash, entry, s.cacheCfg.negativeTTL)
			}
			return entry, nil
		}
		return nil, fmt.Errorf("get api client: %w", err)
	}
	entry := &CredentialCacheEntry{Client: client}
	s.setEntry(ctx, keyHash, entry, s.cacheCfg.l2TTL)
	return entry, nil
}

func (s *CredentialService) setEntry(ctx context.Context, keyHash string, entry *CredentialCacheEntry, l2TTL time.Duration) {
	s.setL1(keyHash, entry)
	if s.l2 == nil || !s.cacheCfg.l2Enabled() {
		return
	}
	_ = s.l2.SetAuthEntry(ctx, keyHash, entry, s.cacheCfg.jitterTTL(l2TTL))
}

func (s *CredentialService) setL1(keyHash string, entry *CredentialCacheEntry) {
	if s.l1 == nil || entry == nil {
		return
	}
	ttl := s.cacheCfg.l1TTL
	if entry.NotFound && s.cacheCfg.negativeTTL > 0 && s.cacheCfg.negativeTTL < ttl {
		ttl = s.cacheCfg.negativeTTL
	}
	_ = s.l1.SetWithTTL(keyHash, entry, 1, s.cacheCfg.jitterTTL(ttl))
}

// InvalidateHash drops both cache tiers for a key hash.
func (s *CredentialService) InvalidateHash(ctx context.Context, keyHash string) {
	if s.l1 != nil {
		s.l1.Del(keyHash)
	}
	if s.l2 != nil {
		_ = s.l2.DeleteAuthEntry(ctx, keyHash)
	}
}
