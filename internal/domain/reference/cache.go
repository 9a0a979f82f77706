package reference

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"stockledger/internal/core/id"
)

type cacheKey struct {
	kind Kind
	id   id.ID
}

// CachedLookup memoizes found entries for a bounded time.
// Misses are never cached so newly created reference data is visible at once.
// Concurrent misses for the same key share one backend call.
type CachedLookup struct {
	next  Lookup
	cache *expirable.LRU[cacheKey, Entry]
	group singleflight.Group
}

// NewCachedLookup wraps next with an LRU of size entries expiring after ttl.
func NewCachedLookup(next Lookup, size int, ttl time.Duration) *CachedLookup {
	if size <= 0 {
		size = 1024
	}
	return &CachedLookup{
		next:  next,
		cache: expirable.NewLRU[cacheKey, Entry](size, nil, ttl),
	}
}

func (c *CachedLookup) Lookup(ctx context.Context, kind Kind, refID id.ID) (Entry, error) {
	key := cacheKey{kind: kind, id: refID}
	if e, ok := c.cache.Get(key); ok {
		return e, nil
	}

	// The shared call outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(string(kind)+":"+refID.String(), func() (any, error) {
		e, err := c.next.Lookup(shared, kind, refID)
		if err != nil {
			return Entry{}, err
		}
		c.cache.Add(key, e)
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Invalidate drops one entry.
func (c *CachedLookup) Invalidate(kind Kind, refID id.ID) {
	c.cache.Remove(cacheKey{kind: kind, id: refID})
}

// Purge drops everything.
func (c *CachedLookup) Purge() {
	c.cache.Purge()
}

// Len returns the number of cached entries.
func (c *CachedLookup) Len() int {
	return c.cache.Len()
}
