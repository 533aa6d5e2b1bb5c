// Package rescache implements the result cache: fetched items keyed by task
// fingerprint, with TTL expiry and a capacity bound. Two backends exist, an
// in-memory one and a redis one; both satisfy ingest.ResultCache.
package rescache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

// Memory is an in-memory cache backed by go-cache for TTL storage plus an
// access-ordered index enforcing a max entry count with LRU eviction.
type Memory struct {
	store *gocache.Cache

	mu    sync.Mutex
	index map[string]*list.Element
	order *list.List // front = most recently used
	max   int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewMemory creates a memory cache bounded to maxEntries. defaultTTL applies
// when Put is called with a non-positive TTL.
func NewMemory(defaultTTL time.Duration, maxEntries int) *Memory {
	return &Memory{
		store: gocache.New(defaultTTL, defaultTTL),
		index: make(map[string]*list.Element),
		order: list.New(),
		max:   maxEntries,
	}
}

// Get returns the cached items for the fingerprint if present and not
// expired. Expiry is go-cache's lazy check on read.
func (m *Memory) Get(_ context.Context, fingerprint string) ([]ingest.ContentItem, bool) {
	v, ok := m.store.Get(fingerprint)
	if !ok {
		m.misses.Add(1)
		m.mu.Lock()
		if el, stale := m.index[fingerprint]; stale {
			m.order.Remove(el)
			delete(m.index, fingerprint)
		}
		m.mu.Unlock()
		return nil, false
	}
	m.hits.Add(1)
	m.touch(fingerprint)
	return v.([]ingest.ContentItem), true
}

// Put stores items under the fingerprint, evicting the least recently used
// entries once the capacity is exceeded.
func (m *Memory) Put(_ context.Context, fingerprint string, items []ingest.ContentItem, ttl time.Duration) {
	m.store.Set(fingerprint, items, ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[fingerprint]; ok {
		m.order.MoveToFront(el)
		return
	}
	m.index[fingerprint] = m.order.PushFront(fingerprint)
	for m.order.Len() > m.max {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		key := oldest.Value.(string)
		m.order.Remove(oldest)
		delete(m.index, key)
		m.store.Delete(key)
		m.evictions.Add(1)
	}
}

// Flush drops every entry.
func (m *Memory) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Flush()
	m.index = make(map[string]*list.Element)
	m.order.Init()
	return nil
}

// Stats returns the cache counters.
func (m *Memory) Stats() ingest.CacheStats {
	return ingest.CacheStats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
		Entries:   m.store.ItemCount(),
	}
}

func (m *Memory) touch(fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[fingerprint]; ok {
		m.order.MoveToFront(el)
	}
}
