package auth

import (
	"context"
	"sync"
	"time"
)

// NonceCache is a time-bounded set. Reserve atomically records key for ttl
// and reports whether it was absent; concurrent callers reserving the same
// live key see true at most once.
type NonceCache interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// NonceKey scopes a nonce to the key id that presented it.
func NonceKey(keyID, nonce string) string {
	return "hmac:" + keyID + ":" + nonce
}

// MemoryNonceCache is a process-local NonceCache for single-instance
// deployments. Expired entries are swept every sweepEvery reservations.
type MemoryNonceCache struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	now        func() time.Time
	sweepEvery int
	calls      int
}

// NewMemoryNonceCache creates an empty in-memory cache.
func NewMemoryNonceCache() *MemoryNonceCache {
	return &MemoryNonceCache{
		entries:    make(map[string]time.Time),
		now:        time.Now,
		sweepEvery: 1024,
	}
}

func (c *MemoryNonceCache) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.calls++
	if c.calls >= c.sweepEvery {
		for k, exp := range c.entries {
			if !now.Before(exp) {
				delete(c.entries, k)
			}
		}
		c.calls = 0
	}

	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.entries[key] = now.Add(ttl)
	return true, nil
}

// Len returns the number of tracked entries, expired or not.
func (c *MemoryNonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
