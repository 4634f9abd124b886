// Package cache memoizes proxy responses for safe, bodyless requests.
//
// DESIGN: Entries are stored as serialized CompatibilityProxyResponse JSON
// with an absolute expiry. Reads check expiry inline; a background goroutine
// sweeps expired entries so memory does not grow with one-off keys.
//
// Only successful selected responses are cached, and only when the
// serialized entry fits MaxEntryBytes. At MaxEntries the entry closest to
// expiry makes room for a new key.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kristinkand/nocturne-sub010/internal/models"
	"github.com/kristinkand/nocturne-sub010/internal/snapshot"
)

// KeyPrefix marks response cache keys.
const KeyPrefix = "compatibility_proxy_cache_"

// DefaultCleanupInterval is how often expired entries are swept.
const DefaultCleanupInterval = time.Minute

// keyHeaders affect the backend response and are part of the key.
var keyHeaders = []string{"Authorization", "Api-Secret", "Accept"}

// Config configures the cache.
type Config struct {
	TTL               time.Duration
	MaxEntryBytes     int64    // 0 = unbounded
	MaxEntries        int      // 0 = unbounded
	NonCacheablePaths []string // path prefixes never cached
	CleanupInterval   time.Duration
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Stores    int64 `json:"stores"`
	Rejected  int64 `json:"rejected"`
	Evictions int64 `json:"evictions"`
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a TTL map of proxy responses. Safe for concurrent use.
type Cache struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	data     map[string]entry
	stats    Stats
	stopChan chan struct{}
	stopped  bool
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache and starts its cleanup goroutine.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	c := &Cache{
		cfg:      cfg,
		now:      time.Now,
		data:     make(map[string]entry),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.cleanup()

	return c
}

// ShouldCacheRequest reports whether req may be served from cache.
func (c *Cache) ShouldCacheRequest(req *snapshot.ClonedRequest) bool {
	switch req.Method() {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	if req.HasBody() {
		return false
	}
	path := req.PathOnly()
	for _, p := range c.cfg.NonCacheablePaths {
		if p != "" && strings.HasPrefix(path, p) {
			return false
		}
	}
	return true
}

// GenerateCacheKey hashes method, path and the response-affecting headers.
func GenerateCacheKey(req *snapshot.ClonedRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Method()))
	h.Write([]byte{0})
	h.Write([]byte(req.Path()))
	for _, name := range keyHeaders {
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(strings.Join(req.Headers().Values(name), ",")))
	}
	return KeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// GetCachedResponse returns a copy of the cached response, if present and fresh.
func (c *Cache) GetCachedResponse(key string) (*models.CompatibilityProxyResponse, bool) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		c.mu.Lock()
		c.stats.Misses++
		c.mu.Unlock()
		return nil, false
	}

	var resp models.CompatibilityProxyResponse
	if err := json.Unmarshal(e.value, &resp); err != nil {
		c.mu.Lock()
		delete(c.data, key)
		c.stats.Misses++
		c.mu.Unlock()
		return nil, false
	}

	// SelectedResponse is serialized as a copy; point it back at its target.
	if resp.SelectedResponse != nil {
		if r := resp.Response(resp.SelectedResponse.Target); r != nil {
			resp.SelectedResponse = r
		}
	}
	resp.FromCache = true

	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	return &resp, true
}

// SetCachedResponse stores resp when its selected response succeeded and
// the serialized entry fits the size bound. It reports whether it stored.
func (c *Cache) SetCachedResponse(key string, resp *models.CompatibilityProxyResponse) bool {
	if resp == nil || resp.SelectedResponse == nil || !resp.SelectedResponse.IsSuccess {
		c.reject()
		return false
	}

	data, err := json.Marshal(resp)
	if err != nil || (c.cfg.MaxEntryBytes > 0 && int64(len(data)) > c.cfg.MaxEntryBytes) {
		c.reject()
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	if _, exists := c.data[key]; !exists && c.cfg.MaxEntries > 0 && len(c.data) >= c.cfg.MaxEntries {
		c.evictOldest()
	}
	c.data[key] = entry{value: data, expiresAt: c.now().Add(c.cfg.TTL)}
	c.stats.Stores++
	return true
}

func (c *Cache) reject() {
	c.mu.Lock()
	c.stats.Rejected++
	c.mu.Unlock()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Entries = len(c.data)
	return s
}

// Close stops the cleanup goroutine and drops all entries.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stopped {
		c.stopped = true
		close(c.stopChan)
		c.data = make(map[string]entry)
	}
	return nil
}

// evictOldest removes the entry with the earliest expiry (called with lock held).
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.data {
		if first || e.expiresAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.expiresAt
			first = false
		}
	}
	if !first {
		delete(c.data, oldestKey)
		c.stats.Evictions++
	}
}

// evictExpired removes expired entries and returns how many were removed.
func (c *Cache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, key)
			n++
		}
	}
	c.stats.Evictions += int64(n)
	return n
}

// cleanup periodically removes expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}
