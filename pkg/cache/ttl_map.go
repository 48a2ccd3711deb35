package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// TTLMap is a lock-guarded map whose entries carry an optional expiry.
// A zero ExpiresAt never expires.
type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]item[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]item[V]{}}
}

func (m *TTLMap[K, V]) Get(key K) (V, time.Time, bool) {
	var zero V
	if m == nil {
		return zero, time.Time{}, false
	}
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return zero, time.Time{}, false
	}
	return it.Value, it.ExpiresAt, true
}

func (m *TTLMap[K, V]) GetFresh(key K, now time.Time) (V, bool) {
	var zero V
	v, exp, ok := m.Get(key)
	if !ok {
		return zero, false
	}
	if !exp.IsZero() && !now.Before(exp) {
		return zero, false
	}
	return v, true
}

// GetOrCreate returns the fresh value stored under key, or stores and returns
// create() when the key is missing or expired. The check and the insert happen
// under one write lock, so racing callers observe the same value.
func (m *TTLMap[K, V]) GetOrCreate(key K, now time.Time, ttl time.Duration, create func() V) (V, bool) {
	if v, ok := m.GetFresh(key, now); ok {
		return v, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok && (it.ExpiresAt.IsZero() || now.Before(it.ExpiresAt)) {
		return it.Value, false
	}
	v := create()
	m.items[key] = item[V]{Value: v, ExpiresAt: expiryFor(now, ttl)}
	return v, true
}

func (m *TTLMap[K, V]) SetWithTTL(key K, value V, now time.Time, ttl time.Duration) {
	m.SetWithExpiry(key, value, expiryFor(now, ttl))
}

func (m *TTLMap[K, V]) SetWithExpiry(key K, value V, expiresAt time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.items[key] = item[V]{Value: value, ExpiresAt: expiresAt}
	m.mu.Unlock()
}

// Delete removes key and reports whether it was present.
func (m *TTLMap[K, V]) Delete(key K) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	_, ok := m.items[key]
	delete(m.items, key)
	m.mu.Unlock()
	return ok
}

// DeleteFunc removes every entry for which drop returns true and returns the
// number of removed entries.
func (m *TTLMap[K, V]) DeleteFunc(drop func(key K, value V, expiresAt time.Time) bool) int {
	if m == nil || drop == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, it := range m.items {
		if drop(k, it.Value, it.ExpiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

func (m *TTLMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
