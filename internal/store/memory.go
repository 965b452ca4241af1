package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryItem struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// Memory is an in-process Store with lazy TTL expiry. It backs unit tests
// and single-instance deployments where no Redis is configured.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	clock func() time.Time
}

// NewMemory returns an empty memory store using the wall clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock returns a memory store driven by the given clock.
// Tests use this to step time past TTLs deterministically.
func NewMemoryWithClock(clock func() time.Time) *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		clock: clock,
	}
}

func (m *Memory) expired(it memoryItem, now time.Time) bool {
	return !it.expires.IsZero() && now.After(it.expires)
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[key.String()]
	now := m.clock()
	m.mu.RUnlock()

	if !ok || m.expired(it, now) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, key Key, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	it := memoryItem{value: stored}
	if ttl > 0 {
		it.expires = m.clock().Add(ttl)
	}

	m.mu.Lock()
	m.items[key.String()] = it
	m.mu.Unlock()
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.items, key.String())
	m.mu.Unlock()
	return nil
}

// List implements Store. Expired entries are dropped from the result and
// collected from the map while the write lock is held.
func (m *Memory) List(_ context.Context, prefix Key) ([]Item, error) {
	m.mu.Lock()
	now := m.clock()
	var out []Item
	for k, it := range m.items {
		key := ParseKey(k)
		if !key.HasPrefix(prefix) {
			continue
		}
		if m.expired(it, now) {
			delete(m.items, k)
			continue
		}
		value := make([]byte, len(it.value))
		copy(value, it.value)
		out = append(out, Item{Key: key, Value: value})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.items = make(map[string]memoryItem)
	m.mu.Unlock()
	return nil
}
