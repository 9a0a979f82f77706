package reference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
)

type fakeLookup struct {
	entries map[cacheKey]Entry
	calls   atomic.Int32
	delay   time.Duration
	err     error
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{entries: make(map[cacheKey]Entry)}
}

func (f *fakeLookup) put(e Entry) Entry {
	f.entries[cacheKey{kind: e.Kind, id: e.ID}] = e
	return e
}

func (f *fakeLookup) Lookup(ctx context.Context, kind Kind, refID id.ID) (Entry, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if f.err != nil {
		return Entry{}, f.err
	}
	e, ok := f.entries[cacheKey{kind: kind, id: refID}]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

type fixture struct {
	lookup   *fakeLookup
	product  Entry
	unit     Entry
	locality Entry
	shelf    Entry
}

func newFixture() *fixture {
	f := &fixture{lookup: newFakeLookup()}
	f.product = f.lookup.put(Entry{ID: id.New(), Kind: KindProduct, Name: "Bolt M6", Active: true})
	f.unit = f.lookup.put(Entry{ID: id.New(), Kind: KindUnit, Name: "pcs", Active: true})
	f.locality = f.lookup.put(Entry{ID: id.New(), Kind: KindLocality, Name: "Main", Active: true})
	loc := f.locality.ID
	f.shelf = f.lookup.put(Entry{ID: id.New(), Kind: KindShelf, Name: "A-1", Active: true, LocalityID: &loc})
	return f
}

func (f *fixture) line() entity.BatchLine {
	return entity.BatchLine{ProductID: f.product.ID, UnitID: f.unit.ID, LocalityID: f.locality.ID}
}

func TestResolver_ResolveLine(t *testing.T) {
	f := newFixture()
	r := NewResolver(f.lookup)

	line := f.line()
	shelf := f.shelf.ID
	line.ShelfID = &shelf

	got, err := r.ResolveLine(context.Background(), 0, line)
	require.NoError(t, err)
	assert.Equal(t, "Bolt M6", got.Product.Name)
	assert.Equal(t, "Main", got.Locality.Name)
	require.NotNil(t, got.Shelf)
	assert.Equal(t, "A-1", got.Shelf.Name)
}

func TestResolver_Errors(t *testing.T) {
	f := newFixture()
	r := NewResolver(f.lookup)

	inactive := f.lookup.put(Entry{ID: id.New(), Kind: KindUnit, Name: "box", Active: false})
	otherLoc := id.New()
	foreignShelf := f.lookup.put(Entry{ID: id.New(), Kind: KindShelf, Name: "Z-9", Active: true, LocalityID: &otherLoc})

	unknownProduct := f.line()
	unknownProduct.ProductID = id.New()

	inactiveUnit := f.line()
	inactiveUnit.UnitID = inactive.ID

	wrongShelf := f.line()
	wrongShelf.ShelfID = &foreignShelf.ID

	tests := []struct {
		name string
		line entity.BatchLine
		code string
	}{
		{"unknown product", unknownProduct, apperror.CodeReferenceNotFound},
		{"inactive unit", inactiveUnit, apperror.CodeReferenceNotFound},
		{"shelf in other locality", wrongShelf, apperror.CodeReferenceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ResolveLine(context.Background(), 3, tt.line)
			require.Error(t, err)
			appErr, ok := apperror.AsAppError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, 3, appErr.Details["line"])
		})
	}
}

func TestResolver_BackendFailureIsNotNotFound(t *testing.T) {
	f := newFixture()
	f.lookup.err = errors.New("connection refused")

	_, err := NewResolver(f.lookup).ResolveLine(context.Background(), 0, f.line())

	require.Error(t, err)
	assert.False(t, apperror.IsAppError(err))
}

func TestCachedLookup_CachesHitsOnly(t *testing.T) {
	f := newFixture()
	c := NewCachedLookup(f.lookup, 16, time.Minute)
	ctx := context.Background()

	_, err := c.Lookup(ctx, KindProduct, f.product.ID)
	require.NoError(t, err)
	_, err = c.Lookup(ctx, KindProduct, f.product.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.lookup.calls.Load())

	missing := id.New()
	_, err = c.Lookup(ctx, KindProduct, missing)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Lookup(ctx, KindProduct, missing)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(3), f.lookup.calls.Load())
	assert.Equal(t, 1, c.Len())

	c.Invalidate(KindProduct, f.product.ID)
	assert.Equal(t, 0, c.Len())
}

func TestCachedLookup_CoalescesConcurrentMisses(t *testing.T) {
	f := newFixture()
	f.lookup.delay = 20 * time.Millisecond
	c := NewCachedLookup(f.lookup, 16, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Lookup(context.Background(), KindLocality, f.locality.ID)
			assert.NoError(t, err)
			assert.Equal(t, "Main", e.Name)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.lookup.calls.Load())
}

func TestCachedLookup_LeaderCancelDoesNotFailFollowers(t *testing.T) {
	f := newFixture()
	f.lookup.delay = 50 * time.Millisecond
	c := NewCachedLookup(f.lookup, 16, time.Minute)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.Lookup(leaderCtx, KindProduct, f.product.ID)
		leaderDone <- err
	}()

	time.Sleep(10 * time.Millisecond)
	follower := make(chan error, 1)
	go func() {
		e, err := c.Lookup(context.Background(), KindProduct, f.product.ID)
		if err == nil {
			assert.Equal(t, "Bolt M6", e.Name)
		}
		follower <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.NoError(t, <-follower)
	assert.NoError(t, <-leaderDone)
	assert.Equal(t, 1, c.Len())
}
