// Package fraud holds the pluggable pre-auth predicate consulted before a
// control channel is accepted, plus a TTL cache so the upstream detection
// API is not hit per connection.
package fraud

import (
	"sync"
	"time"
)

// Predicate decides whether a peer may open a control channel.
type Predicate interface {
	Verify(ip, userAgent string) (allow bool, err error)
}

// AllowAll is the default predicate when fraud detection is not configured.
type AllowAll struct{}

func (AllowAll) Verify(string, string) (bool, error) { return true, nil }

type cachedVerdict struct {
	allow   bool
	expires time.Time
}

// Cached wraps a predicate with a per-IP verdict cache.
type Cached struct {
	inner Predicate
	ttl   time.Duration

	mu       sync.Mutex
	verdicts map[string]cachedVerdict
	now      func() time.Time
}

// NewCached wraps inner with a TTL cache keyed by IP.
func NewCached(inner Predicate, ttl time.Duration) *Cached {
	return &Cached{
		inner:    inner,
		ttl:      ttl,
		verdicts: make(map[string]cachedVerdict),
		now:      time.Now,
	}
}

// Verify returns the cached verdict when fresh, otherwise consults the
// inner predicate. Errors from the inner predicate fail open: a broken
// detection API must not take tunnels down.
func (c *Cached) Verify(ip, userAgent string) (bool, error) {
	c.mu.Lock()
	if v, ok := c.verdicts[ip]; ok && c.now().Before(v.expires) {
		c.mu.Unlock()
		return v.allow, nil
	}
	c.mu.Unlock()

	allow, err := c.inner.Verify(ip, userAgent)
	if err != nil {
		return true, err
	}

	c.mu.Lock()
	c.verdicts[ip] = cachedVerdict{allow: allow, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return allow, nil
}
