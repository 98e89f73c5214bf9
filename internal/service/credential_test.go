package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/gatekit/internal/config"
)

type credentialRepoStub struct {
	mu        sync.Mutex
	byHash    map[string]*APIClient
	getCalls  int
	getErr    error
	createErr error
}

func newCredentialRepoStub() *credentialRepoStub {
	return &credentialRepoStub{byHash: make(map[string]*APIClient)}
}

func (s *credentialRepoStub) Create(_ context.Context, client *APIClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	client.ID = int64(len(s.byHash) + 1)
	client.CreatedAt = time.Now()
	client.UpdatedAt = client.CreatedAt
	s.byHash[client.KeyHash] = client
	return nil
}

func (s *credentialRepoStub) GetByKeyHash(_ context.Context, keyHash string) (*APIClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	client, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrAPIClientNotFound
	}
	return client, nil
}

func (s *credentialRepoStub) List(_ context.Context, page, pageSize int) ([]APIClient, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]APIClient, 0, len(s.byHash))
	for _, c := range s.byHash {
		out = append(out, *c)
	}
	return out, int64(len(out)), nil
}

func (s *credentialRepoStub) SetEnabled(_ context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byHash {
		if c.ID == id {
			c.Enabled = enabled
			return nil
		}
	}
	return ErrAPIClientNotFound
}

func (s *credentialRepoStub) getCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

type credentialL2Stub struct {
	mu      sync.Mutex
	entries map[string]*CredentialCacheEntry
	ttls    map[string]time.Duration
	getErr  error
}

func newCredentialL2Stub() *credentialL2Stub {
	return &credentialL2Stub{
		entries: make(map[string]*CredentialCacheEntry),
		ttls:    make(map[string]time.Duration),
	}
}

func (s *credentialL2Stub) GetAuthEntry(_ context.Context, cacheKey string) (*CredentialCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.entries[cacheKey], nil
}

func (s *credentialL2Stub) SetAuthEntry(_ context.Context, cacheKey string, entry *CredentialCacheEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cacheKey] = entry
	s.ttls[cacheKey] = ttl
	return nil
}

func (s *credentialL2Stub) DeleteAuthEntry(_ context.Context, cacheKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, cacheKey)
	delete(s.ttls, cacheKey)
	return nil
}

func testHasher() *APIKeyHasher {
	return NewAPIKeyHasher(config.APIKeyConfig{Pepper: "pepper", Prefix: "gk"})
}

func testCredentialCacheConfig() config.CredentialCacheConfig {
	return config.CredentialCacheConfig{
		L1Size:             1000,
		L1TTLSeconds:       60,
		L2TTLSeconds:       300,
		NegativeTTLSeconds: 30,
		Singleflight:       true,
	}
}

func TestCredentialServiceCreateClient(t *testing.T) {
	repo := newCredentialRepoStub()
	svc := NewCredentialService(repo, nil, testHasher(), testCredentialCacheConfig())

	client, rawKey, err := svc.CreateClient(context.Background(), "billing")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rawKey, "gk_"))
	require.Equal(t, "billing", client.Name)
	require.True(t, client.Enabled)
	require.Equal(t, testHasher().Hash(rawKey), client.KeyHash)
	require.NotEqual(t, rawKey, client.KeyHash, "raw key must never be stored")
}

func TestCredentialServiceAuthenticateUsesL1(t *testing.T) {
	repo := newCredentialRepoStub()
	svc := NewCredentialService(repo, nil, testHasher(), testCredentialCacheConfig())

	_, rawKey, err := svc.CreateClient(context.Background(), "billing")
	require.NoError(t, err)
	hash := testHasher().Hash(rawKey)

	client, err := svc.AuthenticateHash(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, "billing", client.Name)
	require.Equal(t, 1, repo.getCallCount())

	// L1 writes are async in ristretto; flush before asserting the hit.
	svc.l1.Wait()
	_, err = svc.AuthenticateHash(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, 1, repo.getCallCount(), "second auth must come from L1")
}

func TestCredentialServiceNegativeCaching(t *testing.T) {
	repo := newCredentialRepoStub()
	svc := NewCredentialService(repo, nil, testHasher(), testCredentialCacheConfig())

	_, err := svc.AuthenticateHash(context.Background(), "no-such-hash")
	require.ErrorIs(t, err, ErrAPIClientNotFound)
	require.Equal(t, 1, repo.getCallCount())

	svc.l1.Wait()
	_, err = svc.AuthenticateHash(context.Background(), "no-such-hash")
	require.ErrorIs(t, err, ErrAPIClientNotFound)
	require.Equal(t, 1, repo.getCallCount(), "the miss itself must be cached")
}

func TestCredentialServiceL2PromotionAndWriteThrough(t *testing.T) {
	repo := newCredentialRepoStub()
	l2 := newCredentialL2Stub()
	svc := NewCredentialService(repo, l2, testHasher(), testCredentialCacheConfig())

	_, rawKey, err := svc.CreateClient(context.Background(), "billing")
	require.NoError(t, err)
	hash := testHasher().Hash(rawKey)

	_, err = svc.AuthenticateHash(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, l2.entries[hash], "successful load must populate L2")

	// A fresh instance with a cold L1 finds the entry in L2 without touching
	// the repository.
	cold := NewCredentialService(repo, l2, testHasher(), testCredentialCacheConfig())
	calls := repo.getCallCount()
	client, err := cold.AuthenticateHash(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, "billing", client.Name)
	require.Equal(t, calls, repo.getCallCount())
}

func TestCredentialServiceL2FailureFallsThrough(t *testing.T) {
	repo := newCredentialRepoStub()
	l2 := newCredentialL2Stub()
	l2.getErr = errors.New("redis down")
	svc := NewCredentialService(repo, l2, testHasher(), testCredentialCacheConfig())

	_, rawKey, err := svc.CreateClient(context.Background(), "billing")
	require.NoError(t, err)
	hash := testHasher().Hash(rawKey)

	client, err := svc.AuthenticateHash(context.Background(), hash)
	require.NoError(t, err, "a broken L2 must degrade to the repository")
	require.Equal(t, "billing", client.Name)
}

func TestCredentialServiceRepoFailureSurfaces(t *testing.T) {
	repo := newCredentialRepoStub()
	repo.getErr = errors.New("connection refused")
	svc := NewCredentialService(repo, nil, testHasher(), testCredentialCacheConfig())

	_, err := svc.AuthenticateHash(context.Background(), "some-hash")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAPIClientNotFound)
}

func TestCredentialServiceInvalidateHash(t *testing.T) {
	repo := newCredentialRepoStub()
	l2 := newCredentialL2Stub()
	svc := NewCredentialService(repo, l2, testHasher(), testCredentialCacheConfig())

	_, rawKey, err := svc.CreateClient(context.Background(), "billing")
	require.NoError(t, err)
	hash := testHasher().Hash(rawKey)

	_, err = svc.AuthenticateHash(context.Background(), hash)
	require.NoError(t, err)
	svc.l1.Wait()

	svc.InvalidateHash(context.Background(), hash)
	require.Nil(t, l2.entries[hash])

	calls := repo.getCallCount()
	_, err = svc.AuthenticateHash(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, calls+1, repo.getCallCount(), "invalidation must force a reload")
}

func TestCredentialCacheJitterTTLBounds(t *testing.T) {
	cfg := credentialCacheConfig{jitterPercent: 20}
	base := 100 * time.Second
	for i := 0; i < 100; i++ {
		ttl := cfg.jitterTTL(base)
		require.GreaterOrEqual(t, ttl, 80*time.Second)
		require.LessOrEqual(t, ttl, 120*time.Second)
	}

	// No jitter configured returns the ttl untouched.
	require.Equal(t, base, credentialCacheConfig{}.jitterTTL(base))
	require.Equal(t, time.Duration(0), cfg.jitterTTL(0))
}
