// Package store persists comparison results and serves them back for review.
//
// DESIGN: Every backend implements one Store interface so the proxy sink and
// the admin API do not care where results live:
//   - memory:   bounded, TTL-swept map (single instance, lost on restart)
//   - sqlite:   modernc.org/sqlite file, pure Go, auto-migrated
//   - postgres: pgx pool, JSONB discrepancies, explicit Migrate()
//
// Results are keyed by correlation id; persisting the same id twice keeps
// the latest result.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kristinkand/nocturne-sub010/internal/config"
	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// ErrNotFound is returned by Get when no result has the correlation id.
var ErrNotFound = errors.New("comparison result not found")

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store persists and queries comparison results.
type Store interface {
	// Persist stores a result.
	Persist(ctx context.Context, result *models.ComparisonResult) error

	// List returns results newest first.
	List(ctx context.Context, filter ListFilter) ([]*models.ComparisonResult, error)

	// Get returns the result for a correlation id or ErrNotFound.
	Get(ctx context.Context, correlationID string) (*models.ComparisonResult, error)

	// Counts returns the number of results per match type since the given time.
	Counts(ctx context.Context, since time.Time) (map[models.MatchType]int64, error)

	// Close releases resources.
	Close() error
}

// ListFilter narrows List results.
type ListFilter struct {
	Match        models.MatchType // exact match type, empty = any
	PathContains string           // substring of the request path
	Since        time.Time        // compared at or after, zero = any
	Limit        int
	Offset       int
}

// Normalize clamps limit and offset to sane values.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (f ListFilter) matches(r *models.ComparisonResult) bool {
	if f.Match != "" && r.OverallMatch != f.Match {
		return false
	}
	if f.PathContains != "" && !strings.Contains(r.RequestPath, f.PathContains) {
		return false
	}
	if !f.Since.IsZero() && r.ComparedAt.Before(f.Since) {
		return false
	}
	return true
}

// Open creates the store selected by cfg. Postgres stores are migrated.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case config.StoreMemory, "":
		return NewMemoryStore(cfg.MaxEntries, cfg.TTL), nil
	case config.StoreSQLite:
		return NewSQLiteStore(ctx, cfg.DSN)
	case config.StorePostgres:
		s, err := NewPostgresStoreFromURL(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case config.StoreNone:
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// anonymousKey keys results recorded while correlation tracking is off.
func anonymousKey() string {
	return "anon-" + uuid.NewString()
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore keeps the most recent results in memory.
type MemoryStore struct {
	data       map[string]record
	order      []string // insertion order, oldest first
	mu         sync.RWMutex
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	stopChan   chan struct{}
	stopped    bool
}

type record struct {
	result    *models.ComparisonResult
	expiresAt time.Time
}

// NewMemoryStore creates a bounded store. ttl <= 0 keeps results until evicted
// by the size bound.
func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	s := &MemoryStore{
		data:       make(map[string]record),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}

	// Start cleanup goroutine
	if ttl > 0 {
		go s.cleanup(cleanupInterval(ttl))
	}

	return s
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if d := ttl / 10; d < 5*time.Minute {
		if d < time.Second {
			return time.Second
		}
		return d
	}
	return 5 * time.Minute
}

// Persist stores a result, evicting the oldest when full.
func (s *MemoryStore) Persist(_ context.Context, result *models.ComparisonResult) error {
	if result == nil {
		return nil
	}
	key := result.CorrelationID
	if key == "" {
		key = anonymousKey()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = s.now().Add(s.ttl)
	}
	if _, exists := s.data[key]; exists {
		s.removeOrder(key)
	}
	s.data[key] = record{result: result, expiresAt: expiresAt}
	s.order = append(s.order, key)

	for len(s.order) > s.maxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.data, oldest)
	}
	return nil
}

// List returns matching results newest first.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*models.ComparisonResult, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]*models.ComparisonResult, 0, filter.Limit)
	skipped := 0
	for i := len(s.order) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		rec := s.data[s.order[i]]
		if s.expired(rec, now) || !filter.matches(rec.result) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, rec.result)
	}
	return out, nil
}

// Get returns one result by correlation id.
func (s *MemoryStore) Get(_ context.Context, correlationID string) (*models.ComparisonResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[correlationID]
	if !ok || s.expired(rec, s.now()) {
		return nil, ErrNotFound
	}
	return rec.result, nil
}

// Counts returns results per match type since the given time.
func (s *MemoryStore) Counts(_ context.Context, since time.Time) (map[models.MatchType]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	counts := make(map[models.MatchType]int64)
	for _, rec := range s.data {
		if s.expired(rec, now) || (!since.IsZero() && rec.result.ComparedAt.Before(since)) {
			continue
		}
		counts[rec.result.OverallMatch]++
	}
	return counts, nil
}

// Close stops the cleanup goroutine and clears data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
		s.data = make(map[string]record)
		s.order = nil
	}
	return nil
}

func (s *MemoryStore) expired(rec record, now time.Time) bool {
	return !rec.expiresAt.IsZero() && now.After(rec.expiresAt)
}

// removeOrder must be called with mu held.
func (s *MemoryStore) removeOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// evictExpired removes expired results and returns how many were removed.
func (s *MemoryStore) evictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := s.order[:0]
	removed := 0
	for _, key := range s.order {
		if s.expired(s.data[key], now) {
			delete(s.data, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
	return removed
}

// cleanup periodically removes expired results.
func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

// =============================================================================
// NOP STORE
// =============================================================================

// NopStore discards results.
type NopStore struct{}

func (NopStore) Persist(context.Context, *models.ComparisonResult) error { return nil }

func (NopStore) List(context.Context, ListFilter) ([]*models.ComparisonResult, error) {
	return []*models.ComparisonResult{}, nil
}

func (NopStore) Get(context.Context, string) (*models.ComparisonResult, error) {
	return nil, ErrNotFound
}

func (NopStore) Counts(context.Context, time.Time) (map[models.MatchType]int64, error) {
	return map[models.MatchType]int64{}, nil
}

func (NopStore) Close() error { return nil }

// Ensure implementations satisfy Store
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = NopStore{}
)
