package session

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/agentrelay/pkg/cache"
)

const (
	DefaultFirstSequence = 2
	sweepInterval        = time.Minute
)

// Session is an upstream conversation known to the proxy.
type Session struct {
	ID          string
	ExternalKey string
	EndURL      string
}

type state struct {
	session Session
	last    atomic.Int64
	touched atomic.Int64
}

// Registry maps upstream session ids to their message sequence counters.
// It is volatile: a restart forgets every session.
type Registry struct {
	entries       *cache.TTLMap[string, *state]
	evicted       *cache.TTLMap[string, int64]
	firstSequence int64
	now           func() time.Time
}

func NewRegistry(firstSequence int64) *Registry {
	if firstSequence < 1 {
		firstSequence = DefaultFirstSequence
	}
	return &Registry{
		entries:       cache.NewTTLMap[string, *state](),
		evicted:       cache.NewTTLMap[string, int64](),
		firstSequence: firstSequence,
		now:           time.Now,
	}
}

// Register records a freshly created session. The first Next call for it
// returns the registry's first sequence id. Registering an id again resets it.
func (r *Registry) Register(s Session) {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		return
	}
	st := r.newState(s)
	r.evicted.Delete(s.ID)
	r.entries.SetWithExpiry(s.ID, st, time.Time{})
}

// Next allocates the next sequence id for the session. Concurrent callers on
// the same session always receive distinct, consecutive values. Sessions the
// registry does not know (for example after a restart) start at the first
// sequence id. Sessions dropped by EvictIdle continue after their last id.
func (r *Registry) Next(id string) int64 {
	id = strings.TrimSpace(id)
	st, _ := r.entries.GetOrCreate(id, r.now(), 0, func() *state {
		st := r.newState(Session{ID: id})
		if last, ok := r.evicted.GetFresh(id, r.now()); ok {
			st.last.Store(last)
			r.evicted.Delete(id)
		}
		return st
	})
	st.touched.Store(r.now().UnixNano())
	return st.last.Add(1)
}

// Lookup returns the stored session and the sequence id the next message will use.
func (r *Registry) Lookup(id string) (Session, int64, bool) {
	st, _, ok := r.entries.Get(strings.TrimSpace(id))
	if !ok {
		return Session{}, 0, false
	}
	return st.session, st.last.Load() + 1, true
}

// Remove forgets an ended session, including any evicted sequence state.
func (r *Registry) Remove(id string) bool {
	id = strings.TrimSpace(id)
	r.evicted.Delete(id)
	return r.entries.Delete(id)
}

func (r *Registry) Len() int {
	return r.entries.Len()
}

// EvictIdle drops sessions that have not been used for maxIdle. The last
// sequence id of each dropped session is kept for another maxIdle so a late
// message does not reuse ids; expired leftovers are purged here too.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	now := r.now()
	cutoff := now.Add(-maxIdle).UnixNano()
	r.evicted.DeleteFunc(func(_ string, _ int64, expiresAt time.Time) bool {
		return !now.Before(expiresAt)
	})
	return r.entries.DeleteFunc(func(id string, st *state, _ time.Time) bool {
		if st.touched.Load() >= cutoff {
			return false
		}
		r.evicted.SetWithTTL(id, st.last.Load(), now, maxIdle)
		return true
	})
}

// Run evicts idle sessions until ctx is cancelled. onEvict, if set, is
// called with the count of each non-empty sweep.
func (r *Registry) Run(ctx context.Context, maxIdle time.Duration, onEvict func(n int)) {
	if r == nil || maxIdle <= 0 {
		return
	}
	interval := sweepInterval
	if maxIdle < interval {
		interval = maxIdle
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.EvictIdle(maxIdle); n > 0 {
				log.Debug("evicted idle sessions", "count", n, "remaining", r.Len())
				if onEvict != nil {
					onEvict(n)
				}
			}
		}
	}
}

func (r *Registry) newState(s Session) *state {
	st := &state{session: s}
	st.last.Store(r.firstSequence - 1)
	st.touched.Store(r.now().UnixNano())
	return st
}
