package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Expiration bounds a named cache.
type Expiration struct {
	MaxEntries    int `json:"maxEntries" yaml:"max_entries"`
	MaxAgeSeconds int `json:"maxAgeSeconds" yaml:"max_age_seconds"`
}

// MaxAge returns MaxAgeSeconds as a duration; zero means unlimited.
func (e Expiration) MaxAge() time.Duration {
	return time.Duration(e.MaxAgeSeconds) * time.Second
}

// Store holds entries of one named cache.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, e *Entry) error
	Delete(ctx context.Context, key string) error
	Len() int
}

// StoreStats are the counters a MemoryStore keeps.
type StoreStats struct {
	Entries   int   `json:"entries"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

type storeItem struct {
	key   string
	entry *Entry
}

// MemoryStore is a bounded in-memory Store. Entries are evicted oldest
// first (by store or refresh time) once MaxEntries is exceeded, and
// entries older than MaxAge are dropped when read.
type MemoryStore struct {
	exp Expiration
	now func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front is oldest

	evictions atomic.Int64
	expired   atomic.Int64
}

// NewMemoryStore creates a store bounded by exp.
func NewMemoryStore(exp Expiration) *MemoryStore {
	return &MemoryStore{
		exp:   exp,
		now:   time.Now,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Get returns a copy of the entry under key. Expired entries are removed
// and reported as missing.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	item := el.Value.(*storeItem)
	if maxAge := s.exp.MaxAge(); maxAge > 0 && s.now().Sub(item.entry.StoredAt) > maxAge {
		s.removeLocked(el)
		s.expired.Add(1)
		return nil, false, nil
	}
	return item.entry.Clone(), true, nil
}

// Put stores a copy of e under key, stamping StoredAt, and evicts the
// oldest entries beyond MaxEntries.
func (s *MemoryStore) Put(_ context.Context, key string, e *Entry) error {
	stored := e.Clone()
	stored.StoredAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		el.Value.(*storeItem).entry = stored
		s.order.MoveToBack(el)
	} else {
		s.items[key] = s.order.PushBack(&storeItem{key: key, entry: stored})
	}

	for s.exp.MaxEntries > 0 && s.order.Len() > s.exp.MaxEntries {
		s.removeLocked(s.order.Front())
		s.evictions.Add(1)
	}
	return nil
}

// Delete removes key if present.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.removeLocked(el)
	}
	return nil
}

// Len returns the number of stored entries, expired ones included until
// they are read.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Stats returns the store counters.
func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Entries:   s.Len(),
		Evictions: s.evictions.Load(),
		Expired:   s.expired.Load(),
	}
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	item := s.order.Remove(el).(*storeItem)
	delete(s.items, item.key)
}
