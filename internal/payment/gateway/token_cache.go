package gateway

import (
	"sync"
	"time"

	"github.com/smallbiznis/examly/internal/clock"
)

// minTokenValidity is the remaining lifetime below which a cached token is
// refreshed instead of reused.
const minTokenValidity = 15 * time.Second

// TokenCache holds the gateway access token for the whole process.
// Concurrent refreshes are harmless: tokens are interchangeable and the
// last write wins.
type TokenCache struct {
	mu        sync.Mutex
	clock     clock.Clock
	token     string
	expiresAt time.Time
}

func NewTokenCache(c clock.Clock) *TokenCache {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &TokenCache{clock: c}
}

// Get returns the cached token when it has more than 15s of validity left.
func (c *TokenCache) Get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return "", false
	}
	if c.expiresAt.Sub(c.clock.Now()) <= minTokenValidity {
		return "", false
	}
	return c.token, true
}

func (c *TokenCache) Set(token string, expiresAt time.Time) {
	c.mu.Lock()
	c.token = token
	c.expiresAt = expiresAt
	c.mu.Unlock()
}

func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
