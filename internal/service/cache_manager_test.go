package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheManagerNameGrammar(t *testing.T) {
	m := NewCacheManager(100)

	cases := []struct {
		name string
		ttl  time.Duration
	}{
		{"plain", 300 * time.Second},
		{"suffixed:ttl=60", 60 * time.Second},
		{"clampedLow:ttl=0", time.Second},
		{"clampedLow2:ttl=-5", time.Second},
		{"clampedHigh:ttl=100000", 86400 * time.Second},
		{"malformed:ttl=abc", 300 * time.Second},
		{"wrongSuffix:maxSize=5", 300 * time.Second},
		{"spaced:ttl= 45", 45 * time.Second},
	}
	for _, tc := range cases {
		c := m.Get(tc.name)
		require.Equal(t, tc.ttl, c.TTL(), "name %q", tc.name)
		require.Equal(t, tc.name, c.Name())
	}
}

func TestCacheManagerSameNameSameInstance(t *testing.T) {
	m := NewCacheManager(100)
	a := m.Get("shared:ttl=60")
	b := m.Get("shared:ttl=60")
	require.Same(t, a, b)

	// Distinct ttl suffixes are distinct caches.
	c := m.Get("shared:ttl=120")
	require.NotSame(t, a, c)

	a.Set("k", "v")
	v, ok := b.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestCacheManagerNames(t *testing.T) {
	m := NewCacheManager(100)
	m.Get("one")
	m.Get("two:ttl=5")
	require.ElementsMatch(t, []string{"one", "two:ttl=5"}, m.Names())
}

func TestRistrettoCacheExpiry(t *testing.T) {
	m := NewCacheManager(100)
	c := m.Get("expiring:ttl=1")

	c.Set("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	time.Sleep(1100 * time.Millisecond)
	_, ok = c.Get("k")
	require.False(t, ok, "entry must expire after its ttl")
}

func TestRistrettoCacheDelete(t *testing.T) {
	m := NewCacheManager(100)
	c := m.Get("deletable")
	c.Set("k", 1)
	c.Delete("k")
	_, ok := c.Get("k")
	require.False(t, ok)
}
