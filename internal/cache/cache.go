// Package cache implements the response cache: a key-to-classification
// cache fronting the remote classifier so identical
// text is never billed twice within the TTL window. The in-memory backend
// is grounded on internal/api/ratelimit.go's mutex-guarded
// map-with-sweep shape (ipBucket/RateLimiter/cleanupLoop) and on
// original_source/src/utils/cache.py's lazy-expire-on-read semantics. The
// optional Redis backend is grounded on
// Generativebots-ocx-backend-go-svc's internal/fabric/redis_store.go and
// wraps a concrete go-redis *redis.Client.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the interface the remote classifier client depends on. Both
// backends implement it so callers never branch on backend choice.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Set(ctx context.Context, key string, entry Entry) error
	Sweep(ctx context.Context) error
}

// Entry is the cached classification result for one normalized text.
// IsOrder is stored verbatim from the original classification rather than
// re-derived from Category/Relevance on read, so a cache hit is
// bit-identical to the response that produced it.
type Entry struct {
	IsOrder    bool    `json:"isOrder"`
	Category   string  `json:"category"`
	Relevance  float64 `json:"relevance"`
	DetectedBy string  `json:"detectedBy"`
	CachedAt   int64   `json:"cachedAt"`
}

// Key derives a stable cache key from normalized message text, mirroring
// the Python cache's use of text content as the key rather than a raw
// potentially-huge string.
func Key(normalizedText string) string {
	sum := sha256.Sum256([]byte(normalizedText))
	return hex.EncodeToString(sum[:])
}

type entryWithExpiry struct {
	entry   Entry
	expires time.Time
}

// MemoryCache is a mutex-guarded map with lazy expiry on read and a
// background sweep goroutine for entries that are never re-read. There is
// no lazily-started background work: Run is the only entry point and
// owns its own lifetime via ctx.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entryWithExpiry
}

// NewMemoryCache constructs an empty cache with the given TTL. The caller
// must separately invoke Run to start the sweep loop.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]entryWithExpiry),
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return Entry{}, false
	}
	return e.entry, true
}

func (c *MemoryCache) Set(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entryWithExpiry{entry: entry, expires: time.Now().Add(c.ttl)}
	return nil
}

// Run sweeps expired entries every interval until ctx is cancelled. Owned
// and started explicitly by the caller (cmd/userbot/main.go) — never
// lazily started on first use, unlike original_source's _cleanup_task.
func (c *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Sweep runs one expired-entry pass on demand, in addition to Run's
// periodic background sweep. Satisfies the Cache interface.
func (c *MemoryCache) Sweep(_ context.Context) error {
	c.sweep()
	return nil
}

// Len reports the current entry count, for metrics/admin exposition.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache is the alternate backend selected by CACHE_BACKEND=redis,
// for deployments sharing the cache across multiple process instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache wraps a *redis.Client behind the Cache interface.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "userbot:cache:"}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

func (c *RedisCache) Set(ctx context.Context, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

// Sweep is a no-op: Redis expires keys itself via the per-key TTL passed
// to Set. Exposed only to satisfy the Cache interface.
func (c *RedisCache) Sweep(_ context.Context) error {
	return nil
}
