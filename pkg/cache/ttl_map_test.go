package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTTLMapGetFreshHonoursExpiry(t *testing.T) {
	m := NewTTLMap[string, int]()
	now := time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC)
	m.SetWithTTL("a", 1, now, time.Minute)
	m.SetWithTTL("b", 2, now, 0)

	if v, ok := m.GetFresh("a", now.Add(59*time.Second)); !ok || v != 1 {
		t.Fatalf("expected fresh value 1, got %d ok=%v", v, ok)
	}
	if _, ok := m.GetFresh("a", now.Add(time.Minute)); ok {
		t.Fatal("expected value to be stale at its expiry instant")
	}
	if v, ok := m.GetFresh("b", now.Add(24*time.Hour)); !ok || v != 2 {
		t.Fatalf("expected non-expiring value, got %d ok=%v", v, ok)
	}
}

func TestTTLMapGetOrCreateIsAtomic(t *testing.T) {
	m := NewTTLMap[string, *int]()
	now := time.Now()
	var created atomic.Int32
	var wg sync.WaitGroup
	results := make(chan *int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _ := m.GetOrCreate("k", now, 0, func() *int {
				created.Add(1)
				return new(int)
			})
			results <- v
		}()
	}
	wg.Wait()
	close(results)
	var first *int
	for v := range results {
		if first == nil {
			first = v
		}
		if v != first {
			t.Fatal("expected every caller to observe the same value")
		}
	}
	if got := created.Load(); got != 1 {
		t.Fatalf("expected one creation, got %d", got)
	}
}

func TestTTLMapGetOrCreateReplacesExpired(t *testing.T) {
	m := NewTTLMap[string, int]()
	now := time.Now()
	m.SetWithTTL("k", 1, now, time.Second)
	v, created := m.GetOrCreate("k", now.Add(2*time.Second), 0, func() int { return 2 })
	if !created || v != 2 {
		t.Fatalf("expected expired entry to be replaced, got %d created=%v", v, created)
	}
}

func TestTTLMapDeleteFunc(t *testing.T) {
	m := NewTTLMap[string, int]()
	for i, k := range []string{"a", "b", "c", "d"} {
		m.SetWithExpiry(k, i, time.Time{})
	}
	removed := m.DeleteFunc(func(_ string, v int, _ time.Time) bool { return v%2 == 0 })
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", m.Len())
	}
	if !m.Delete("b") || m.Delete("b") {
		t.Fatal("unexpected Delete result")
	}
}
