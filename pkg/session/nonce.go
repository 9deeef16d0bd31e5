// Package session holds the control plane's in-memory request guards:
// HMAC nonce replay tracking and originate idempotency keys. Both live for
// minutes to hours and guard state owned by this process, so neither is
// persisted; SSE access tokens, which must survive restarts, live in
// services.SessionService instead.
package session

import (
	"sync"
	"time"
)

// nonceSweepLimit bounds the seen-nonce map. Once an insert pushes the map
// past it, expired entries are dropped inline instead of waiting for the
// next Sweep.
const nonceSweepLimit = 8192

// NonceCache remembers recently seen HMAC nonces so a captured
// Authorization header cannot be replayed inside the accepted clock skew.
type NonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewNonceCache returns a cache that remembers nonces for ttl.
func NewNonceCache(ttl time.Duration) *NonceCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &NonceCache{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Observe records nonce and reports whether it was fresh. A false return
// means the nonce was already presented inside the replay window.
func (c *NonceCache) Observe(nonce string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[nonce]; ok && now.Sub(at) < c.ttl {
		return false
	}
	c.seen[nonce] = now
	if len(c.seen) > nonceSweepLimit {
		c.sweepLocked(now)
	}
	return true
}

// Sweep drops expired nonces and returns how many were removed.
func (c *NonceCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

// Len reports how many nonces are currently tracked.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *NonceCache) sweepLocked(now time.Time) int {
	removed := 0
	for nonce, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, nonce)
			removed++
		}
	}
	return removed
}
