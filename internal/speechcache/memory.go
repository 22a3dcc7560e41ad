package speechcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// memoryEntry keeps the hit counter outside the LRU value so that counting a
// hit does not re-insert the entry and reset its expiry.
type memoryEntry struct {
	entry Entry
	hits  atomic.Int64
}

// MemoryTier is a bounded in-process LRU with a global TTL.
type MemoryTier struct {
	lru *expirable.LRU[string, *memoryEntry]
}

var (
	_ Tier   = (*MemoryTier)(nil)
	_ Purger = (*MemoryTier)(nil)
)

// NewMemoryTier creates a memory tier holding at most size entries, each for
// at most ttl. A zero ttl disables time-based expiry.
func NewMemoryTier(size int, ttl time.Duration) *MemoryTier {
	if size <= 0 {
		size = 512
	}
	return &MemoryTier{lru: expirable.NewLRU[string, *memoryEntry](size, nil, ttl)}
}

// Name implements Tier.
func (m *MemoryTier) Name() string { return "memory" }

// Get implements Tier.
func (m *MemoryTier) Get(_ context.Context, key string) (Entry, bool, error) {
	me, ok := m.lru.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if me.entry.Expired(time.Now()) {
		m.lru.Remove(key)
		return Entry{}, false, nil
	}
	e := me.entry
	e.HitCount = me.hits.Add(1)
	return e, true, nil
}

// Put implements Tier.
func (m *MemoryTier) Put(_ context.Context, e Entry) error {
	me := &memoryEntry{entry: e}
	me.hits.Store(e.HitCount)
	m.lru.Add(e.Key, me)
	return nil
}

// Len returns the number of cached entries.
func (m *MemoryTier) Len() int { return m.lru.Len() }

// PurgeExpired drops entries whose per-entry TTL has elapsed. The LRU's own
// TTL is enforced by its background reaper.
func (m *MemoryTier) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for _, key := range m.lru.Keys() {
		if me, ok := m.lru.Peek(key); ok && me.entry.Expired(now) {
			m.lru.Remove(key)
			n++
		}
	}
	return n, nil
}
