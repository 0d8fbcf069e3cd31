// Package idempotency records fingerprints of sends the gateway has accepted.
//
// Presence of a live record means "do not send this fingerprint again". It is
// the authority every send path consults before calling the transport.
package idempotency

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/BTreeMap/wadispatch/internal/clock"
)

const (
	// DefaultTTL is how long a mark suppresses re-sends.
	DefaultTTL = 45 * time.Second
	// DefaultMaxEntries bounds the number of live marks.
	DefaultMaxEntries = 10000
)

// Cache is a bounded, TTL-expiring set of fingerprints.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, time.Time]
	ttl     time.Duration
	clock   clock.Clock
}

// New creates a Cache. Non-positive ttl or maxEntries fall back to defaults.
func New(ttl time.Duration, maxEntries int, c clock.Clock) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	entries, err := lru.New[string, time.Time](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create idempotency cache: %w", err)
	}
	return &Cache{entries: entries, ttl: ttl, clock: clock.OrReal(c)}, nil
}

// Seen reports whether fingerprint has a live mark. Expired marks are dropped.
func (c *Cache) Seen(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenLocked(fingerprint)
}

func (c *Cache) seenLocked(fingerprint string) bool {
	expiresAt, ok := c.entries.Peek(fingerprint)
	if !ok {
		return false
	}
	if !c.clock.Now().Before(expiresAt) {
		c.entries.Remove(fingerprint)
		return false
	}
	return true
}

// Mark records fingerprint as accepted. A live mark is left untouched, so
// repeated marks never extend the suppression window.
func (c *Cache) Mark(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seenLocked(fingerprint) {
		return
	}
	expiresAt := c.clock.Now().Add(c.ttl)
	if evicted := c.entries.Add(fingerprint, expiresAt); evicted {
		slog.Warn("idempotency.Cache.Mark: evicted oldest mark, cache at capacity", "size", c.entries.Len())
	}
}

// Len returns the number of stored marks, including ones not yet swept.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// TTL returns the mark lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
