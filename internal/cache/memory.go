package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

type memoryEntry struct {
	key       *models.APIKey
	expiresAt time.Time
}

// MemoryCache is an in-process KeyCache. Entries expire lazily on read;
// Sweep reclaims expired entries to bound memory.
type MemoryCache struct {
	mu       sync.RWMutex
	entries  map[uuid.UUID]memoryEntry
	byPrefix map[string]map[uuid.UUID]struct{}
	gen      uint64
	now      func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		entries:  make(map[uuid.UUID]memoryEntry),
		byPrefix: make(map[string]map[uuid.UUID]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Get(_ context.Context, id uuid.UUID) (*models.APIKey, bool, error) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()

	if !ok || !now.Before(e.expiresAt) {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return e.key.Clone(), true, nil
}

func (c *MemoryCache) GetByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*models.APIKey
	for id := range c.byPrefix[prefix] {
		e, ok := c.entries[id]
		if !ok || !now.Before(e.expiresAt) {
			continue
		}
		out = append(out, e.key.Clone())
	}
	if len(out) == 0 {
		c.misses.Add(1)
	} else {
		c.hits.Add(1)
	}
	return out, nil
}

func (c *MemoryCache) Set(_ context.Context, key *models.APIKey, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	snapshot := key.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(snapshot, ttl)
	return nil
}

func (c *MemoryCache) Generation(_ context.Context) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen, nil
}

func (c *MemoryCache) SetIfGeneration(_ context.Context, key *models.APIKey, ttl time.Duration, gen uint64) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	snapshot := key.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false, nil
	}
	c.setLocked(snapshot, ttl)
	return true, nil
}

func (c *MemoryCache) setLocked(snapshot *models.APIKey, ttl time.Duration) {
	// The prefix of an id never changes, but drop a stale index entry anyway.
	if old, ok := c.entries[snapshot.ID]; ok && old.key.KeyPrefix != snapshot.KeyPrefix {
		c.unindexLocked(old.key.KeyPrefix, snapshot.ID)
	}
	c.entries[snapshot.ID] = memoryEntry{key: snapshot, expiresAt: c.now().Add(ttl)}
	ids, ok := c.byPrefix[snapshot.KeyPrefix]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		c.byPrefix[snapshot.KeyPrefix] = ids
	}
	ids[snapshot.ID] = struct{}{}
}

func (c *MemoryCache) Invalidate(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.deleteLocked(id)
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[uuid.UUID]memoryEntry)
	c.byPrefix = make(map[string]map[uuid.UUID]struct{})
	return nil
}

func (c *MemoryCache) Stats(_ context.Context) Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Backend: "memory",
		Size:    size,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.deleteLocked(id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (c *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	runEvery(ctx, interval, func() { c.Sweep() })
}

func (c *MemoryCache) deleteLocked(id uuid.UUID) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	delete(c.entries, id)
	c.unindexLocked(e.key.KeyPrefix, id)
}

func (c *MemoryCache) unindexLocked(prefix string, id uuid.UUID) {
	ids := c.byPrefix[prefix]
	delete(ids, id)
	if len(ids) == 0 {
		delete(c.byPrefix, prefix)
	}
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

var _ KeyCache = (*MemoryCache)(nil)
