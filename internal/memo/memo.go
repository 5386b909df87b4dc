// Package memo provides a time-bounded cache for resolved backend paths and
// access tokens, with single-flight coalescing so concurrent requests for the
// same uncached key share one resolution.
package memo

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Error-code22/Spotilark-sub001/internal/metrics"
)

// DefaultMaxEntries caps the memo so a pathological key space cannot grow it
// without bound. Distinct files in a library keep it far below this in practice.
const DefaultMaxEntries = 512

type entry struct {
	value     string
	createdAt time.Time
	ttl       time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// Memo is a process-wide TTL cache mapping opaque identifiers to short-lived
// resolved values (direct URLs, access tokens). Safe for concurrent use.
type Memo struct {
	maxEntries int

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group

	// now is overridable in tests.
	now func() time.Time
}

// New creates a memo with the default entry cap.
func New() *Memo {
	return &Memo{
		maxEntries: DefaultMaxEntries,
		entries:    make(map[string]entry),
		now:        time.Now,
	}
}

// Lookup returns the cached value for key. Expired entries are treated as
// absent; expiry is lazy, there is no background sweep.
func (m *Memo) Lookup(key string) (string, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || e.expired(m.now()) {
		metrics.RecordMemoLookup(false)
		return "", false
	}
	metrics.RecordMemoLookup(true)
	return e.value, true
}

// Store caches value under key for ttl. A ttl <= 0 stores nothing.
func (m *Memo) Store(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	m.mu.Lock()
	if len(m.entries) >= m.maxEntries {
		m.evictLocked()
	}
	m.entries[key] = entry{value: value, createdAt: m.now(), ttl: ttl}
	metrics.SetMemoSize(len(m.entries))
	m.mu.Unlock()
}

// Resolve returns the cached value for key, or calls fn exactly once for all
// concurrent callers of the same uncached key and stores its result with ttl.
func (m *Memo) Resolve(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (string, error)) (string, error) {
	if v, ok := m.Lookup(key); ok {
		return v, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		// A racing caller may have finished while we waited for the flight.
		if v, ok := m.Lookup(key); ok {
			return v, nil
		}
		value, err := fn(ctx)
		if err != nil {
			return "", err
		}
		m.Store(key, value, ttl)
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the entry for key, if present.
func (m *Memo) Invalidate(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	metrics.SetMemoSize(len(m.entries))
	m.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (m *Memo) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// evictLocked drops expired entries, then the oldest live entry if the memo
// is still full. Must be called with the write lock held.
func (m *Memo) evictLocked() {
	now := m.now()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
	if len(m.entries) < m.maxEntries {
		return
	}

	var oldestKey string
	var oldest time.Time
	for k, e := range m.entries {
		if oldestKey == "" || e.createdAt.Before(oldest) {
			oldestKey = k
			oldest = e.createdAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}
