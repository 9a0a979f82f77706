// Package lock serializes writers that touch the same stock levels.
//
// A Guard hands out per-key tokens. Batches acquire all of their keys in
// one canonical order, so two batches with overlapping key sets can never
// wait on each other in a cycle. Batches with disjoint keys never block.
package lock

import (
	"context"
	"slices"
	"sync"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
)

// Guard is an in-process keyed lock table.
type Guard struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[entity.LevelKey]*entry
}

type entry struct {
	token chan struct{}
	refs  int
}

// NewGuard creates a guard. A non-positive timeout waits until ctx is done.
func NewGuard(timeout time.Duration) *Guard {
	return &Guard{
		timeout: timeout,
		entries: make(map[entity.LevelKey]*entry),
	}
}

// Scope holds a set of acquired keys until Release.
type Scope struct {
	guard *Guard
	keys  []entity.LevelKey
	once  sync.Once
}

// Keys returns the held keys in acquisition order.
func (s *Scope) Keys() []entity.LevelKey {
	return s.keys
}

// Release frees all keys. Safe to call more than once.
func (s *Scope) Release() {
	s.once.Do(func() {
		for i := len(s.keys) - 1; i >= 0; i-- {
			s.guard.unlock(s.keys[i])
		}
	})
}

// Canonical returns keys deduplicated and sorted by product id, then locality id.
func Canonical(keys []entity.LevelKey) []entity.LevelKey {
	out := slices.Clone(keys)
	slices.SortFunc(out, entity.LevelKey.Compare)
	return slices.CompactFunc(out, func(a, b entity.LevelKey) bool { return a == b })
}

// Acquire blocks until every key is held, the timeout elapses (LOCK_TIMEOUT)
// or ctx is cancelled. On failure nothing stays held.
func (g *Guard) Acquire(ctx context.Context, keys []entity.LevelKey) (*Scope, error) {
	ordered := Canonical(keys)
	scope := &Scope{guard: g, keys: make([]entity.LevelKey, 0, len(ordered))}

	var expired <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for _, key := range ordered {
		e := g.ref(key)
		select {
		case e.token <- struct{}{}:
			scope.keys = append(scope.keys, key)
		case <-ctx.Done():
			g.unref(key)
			scope.Release()
			return nil, ctx.Err()
		case <-expired:
			g.unref(key)
			scope.Release()
			return nil, apperror.NewLockTimeout(len(ordered)).
				WithDetail("blocked_on", key.String())
		}
	}
	return scope, nil
}

// Size returns the number of keys currently held or awaited.
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Guard) ref(key entity.LevelKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok {
		e = &entry{token: make(chan struct{}, 1)}
		g.entries[key] = e
	}
	e.refs++
	return e
}

func (g *Guard) unref(key entity.LevelKey) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(g.entries, key)
	}
}

func (g *Guard) unlock(key entity.LevelKey) {
	g.mu.Lock()
	e := g.entries[key]
	g.mu.Unlock()

	<-e.token
	g.unref(key)
}
