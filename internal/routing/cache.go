package routing

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/athina/pkg/provider/llm"
)

// Cache defaults.
const (
	DefaultCacheTTL  = 300 * time.Second
	DefaultCacheSize = 100

	// cacheKeyTurns is how many trailing history messages take part in the
	// cache key.
	cacheKeyTurns = 2
)

// CacheStats reports cache performance.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type cacheEntry struct {
	value     string
	createdAt time.Time
}

// Cache holds remote responses for a limited time. Expired entries are
// removed lazily when looked up. When a Put takes the cache above its
// capacity, the oldest fifth of the entries is evicted in one sweep.
type Cache struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	hits    int64
	misses  int64
}

// NewCache creates a Cache. Non-positive values use the defaults. A nil now
// means time.Now.
func NewCache(ttl time.Duration, capacity int, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		now:      now,
		entries:  make(map[string]cacheEntry),
	}
}

// CacheKey hashes query together with the last two history messages.
func CacheKey(query string, history []llm.Message) string {
	h := sha256.New()
	h.Write([]byte(query))
	for _, m := range history[max(len(history)-cacheKeyTurns, 0):] {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the value stored under key if it is younger than the TTL.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if c.now().Sub(e.createdAt) >= c.ttl {
		delete(c.entries, key)
		c.misses++
		return "", false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key.
func (c *Cache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, createdAt: c.now()}
	if len(c.entries) > c.capacity {
		c.sweepLocked()
	}
}

// sweepLocked evicts the oldest fifth of the entries. Must hold c.mu.
func (c *Cache) sweepLocked() {
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.createdAt})
	}
	slices.SortFunc(all, func(a, b aged) int { return a.at.Compare(b.at) })
	n := max(len(all)/5, 1)
	for _, a := range all[:n] {
		delete(c.entries, a.key)
	}
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes every entry. Hit and miss counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Stats returns entry count and lookup counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// ResetStats zeroes the hit and miss counters.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses = 0, 0
}
