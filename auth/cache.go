package auth

import (
	"sync"
	"time"
)

type cacheEntry struct {
	claims  *Claims
	expires time.Time
}

// tokenCache memoises introspection results keyed by the raw token string.
type tokenCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newTokenCache() *tokenCache {
	return &tokenCache{entries: make(map[string]cacheEntry)}
}

func (c *tokenCache) get(token string) (*Claims, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, token)
		return nil, false
	}
	return e.claims, true
}

func (c *tokenCache) put(token string, claims *Claims, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= 4096 {
		now := time.Now()
		for t, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, t)
			}
		}
	}
	c.entries[token] = cacheEntry{claims: claims, expires: time.Now().Add(ttl)}
}
