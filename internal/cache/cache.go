// Package cache holds the non-authoritative copies of subscription state: a
// per-process memory tier, a shared Redis tier, and the Redis-backed offline
// store that parks writes while the durable store is unreachable.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/PortNumber53/subsync/internal/models"
)

// Tier is one layer of cached subscription state. Keys are produced by the
// invalidation bus; tiers never invent their own.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (models.CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry models.CacheEntry) error
	Delete(ctx context.Context, keys ...string) error
}

type memoryItem struct {
	entry   models.CacheEntry
	expires time.Time
}

// MemoryTier is a TTL map local to the process.
type MemoryTier struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	items map[string]memoryItem
}

// NewMemoryTier returns an empty memory tier. A non-positive ttl keeps
// entries until they are deleted.
func NewMemoryTier(ttl time.Duration) *MemoryTier {
	return &MemoryTier{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]memoryItem),
	}
}

func (m *MemoryTier) Name() string { return string(models.SourceMemory) }

func (m *MemoryTier) Get(_ context.Context, key string) (models.CacheEntry, bool, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return models.CacheEntry{}, false, nil
	}
	if !item.expires.IsZero() && !m.now().Before(item.expires) {
		m.mu.Lock()
		if cur, still := m.items[key]; still && cur.expires.Equal(item.expires) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return models.CacheEntry{}, false, nil
	}
	return item.entry, true, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, entry models.CacheEntry) error {
	item := memoryItem{entry: entry}
	if m.ttl > 0 {
		item.expires = m.now().Add(m.ttl)
	}
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, key := range keys {
		delete(m.items, key)
	}
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired or not.
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
