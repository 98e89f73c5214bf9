package service

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	cacheTTLMinSeconds     = 1
	cacheTTLMaxSeconds     = 86400
	cacheTTLDefaultSeconds = 300
)

// Cache is a single named in-process cache with a fixed per-entry TTL.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
	Name() string
	TTL() time.Duration
}

// CacheManager hands out named caches. Names follow the grammar
// "<base>(:ttl=<seconds>)?"; the ttl suffix is clamped to [1, 86400] and
// names without a suffix use the default TTL. The same full name always
// returns the same instance; distinct ttl suffixes yield distinct caches.
type CacheManager struct {
	mu      sync.Mutex
	caches  map[string]Cache
	perSize int64
}

// NewCacheManager creates a manager whose caches each hold up to size entries.
func NewCacheManager(size int) *CacheManager {
	if size <= 0 {
		size = 10000
	}
	return &CacheManager{
		caches:  make(map[string]Cache),
		perSize: int64(size),
	}
}

// Get returns the cache for name, building it on first use.
func (m *CacheManager) Get(name string) Cache {
	name = strings.TrimSpace(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.caches[name]; ok {
		return c
	}
	c := m.build(name)
	m.caches[name] = c
	return c
}

// Names returns the full names of all caches built so far.
func (m *CacheManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	return names
}

func (m *CacheManager) build(name string) Cache {
	ttl := parseCacheTTL(name)
	// Each named cache gets a fresh ristretto instance so eviction pressure
	// in one cache cannot push out entries of another.
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: m.perSize * 10,
		MaxCost:     m.perSize,
		BufferItems: 64,
	})
	if err != nil {
		// Config is constant apart from size; only a non-positive size can
		// fail, which the constructor already prevents.
		panic(fmt.Sprintf("cache manager: build %q: %v", name, err))
	}
	return &ristrettoCache{name: name, ttl: ttl, cache: rc}
}

// parseCacheTTL extracts the ttl suffix from a cache name. Malformed or
// missing suffixes fall back to the default; valid values are clamped.
func parseCacheTTL(name string) time.Duration {
	base, suffix, found := strings.Cut(name, ":")
	_ = base
	if !found {
		return cacheTTLDefaultSeconds * time.Second
	}
	raw, ok := strings.CutPrefix(suffix, "ttl=")
	if !ok {
		return cacheTTLDefaultSeconds * time.Second
	}
	sec, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return cacheTTLDefaultSeconds * time.Second
	}
	if sec < cacheTTLMinSeconds {
		sec = cacheTTLMinSeconds
	}
	if sec > cacheTTLMaxSeconds {
		sec = cacheTTLMaxSeconds
	}
	return time.Duration(sec) * time.Second
}

// ristrettoCache wraps ristretto with expire-after-write semantics. Ristretto
// evicts lazily, so each entry also records its own deadline and reads check
// it before returning.
type ristrettoCache struct {
	name  string
	ttl   time.Duration
	cache *ristretto.Cache
}

type cacheEntry struct {
	value    any
	deadline time.Time
}

func (c *ristrettoCache) Get(key string) (any, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	entry, ok := v.(cacheEntry)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.deadline) {
		c.cache.Del(key)
		return nil, false
	}
	return entry.value, true
}

func (c *ristrettoCache) Set(key string, value any) {
	entry := cacheEntry{value: value, deadline: time.Now().Add(c.ttl)}
	c.cache.SetWithTTL(key, entry, 1, c.ttl)
	// Tests and read-your-write callers rely on immediate visibility.
	c.cache.Wait()
}

func (c *ristrettoCache) Delete(key string) {
	c.cache.Del(key)
}

func (c *ristrettoCache) Name() string { return c.name }

func (c *ristrettoCache) TTL() time.Duration { return c.ttl }
