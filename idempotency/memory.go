package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/shelfbridge/contracts"
	"github.com/glimte/shelfbridge/serialization"
)

type memoryEntry struct {
	marker    string
	response  []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store for single-instance deployments and tests
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
	closed  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Reserve implements Store
func (m *MemoryStore) Reserve(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return m.claim(key, owner, ttl, false)
}

// Resume implements Store
func (m *MemoryStore) Resume(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return m.claim(key, owner, ttl, true)
}

func (m *MemoryStore) claim(key, owner string, ttl time.Duration, reentrant bool) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStoreClosed
	}

	marker := processingMarker(owner)
	if e := m.live(key); e != nil {
		return !reentrant || e.marker != marker, nil
	}

	m.entries[key] = &memoryEntry{
		marker:    marker,
		expiresAt: m.now().Add(effectiveTTL(ttl)),
	}
	return false, nil
}

// Release implements Store
func (m *MemoryStore) Release(ctx context.Context, key, owner string) error {
	if key == "" {
		return ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if e := m.live(key); e != nil && e.marker == processingMarker(owner) {
		delete(m.entries, key)
	}
	return nil
}

// GetCachedResponse implements Store
func (m *MemoryStore) GetCachedResponse(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrStoreClosed
	}

	e := m.live(key)
	if e == nil || e.response == nil {
		return nil, false, nil
	}

	body := make([]byte, len(e.response))
	copy(body, e.response)
	return body, true, nil
}

// StoreResponse implements Store
func (m *MemoryStore) StoreResponse(ctx context.Context, key string, resp *contracts.ResponseMessage, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	body, err := serialization.EncodeResponse(resp)
	if err != nil {
		return newStoreError("encode response", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.entries[key] = &memoryEntry{
		marker:    markerCompleted,
		response:  body,
		expiresAt: m.now().Add(effectiveTTL(ttl)),
	}
	return nil
}

// Sweep implements Store. Expired entries are always dropped.
func (m *MemoryStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		remaining := e.expiresAt.Sub(now)
		if remaining <= 0 || remaining > maxAge {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Ping implements Store
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close implements Store
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = make(map[string]*memoryEntry)
	return nil
}

// Len returns the number of live keys
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.entries {
		if m.live(key) != nil {
			n++
		}
	}
	return n
}

// live returns the unexpired entry for key, dropping it if expired.
// Callers hold m.mu.
func (m *MemoryStore) live(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}
