package lock

import (
	"context"
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

func key() entity.LevelKey {
	return entity.LevelKey{ProductID: id.New(), LocalityID: id.New()}
}

func TestCanonical_SortsAndDeduplicates(t *testing.T) {
	a, b := key(), key()
	if a.Compare(b) > 0 {
		a, b = b, a
	}

	got := Canonical([]entity.LevelKey{b, a, b, a})

	assert.Equal(t, []entity.LevelKey{a, b}, got)
}

func TestGuard_ReleaseFreesKeys(t *testing.T) {
	g := NewGuard(time.Second)
	k := key()

	scope, err := g.Acquire(context.Background(), []entity.LevelKey{k, k})
	require.NoError(t, err)
	assert.Len(t, scope.Keys(), 1)
	assert.Equal(t, 1, g.Size())

	scope.Release()
	scope.Release()
	assert.Equal(t, 0, g.Size())

	again, err := g.Acquire(context.Background(), []entity.LevelKey{k})
	require.NoError(t, err)
	again.Release()
}

func TestGuard_TimeoutOnOverlap(t *testing.T) {
	g := NewGuard(50 * time.Millisecond)
	shared, other := key(), key()

	held, err := g.Acquire(context.Background(), []entity.LevelKey{shared})
	require.NoError(t, err)
	defer held.Release()

	_, err = g.Acquire(context.Background(), []entity.LevelKey{other, shared})
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeLockTimeout))
	assert.True(t, apperror.IsRetryable(err))

	// the partially acquired key was given back
	free, err := g.Acquire(context.Background(), []entity.LevelKey{other})
	require.NoError(t, err)
	free.Release()
}

func TestGuard_DisjointKeysDoNotBlock(t *testing.T) {
	g := NewGuard(20 * time.Millisecond)

	first, err := g.Acquire(context.Background(), []entity.LevelKey{key()})
	require.NoError(t, err)
	defer first.Release()

	second, err := g.Acquire(context.Background(), []entity.LevelKey{key()})
	require.NoError(t, err)
	second.Release()
}

func TestGuard_CancelWhileWaiting(t *testing.T) {
	g := NewGuard(0)
	k := key()

	held, err := g.Acquire(context.Background(), []entity.LevelKey{k})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, []entity.LevelKey{k})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	held.Release()
	assert.Equal(t, 0, g.Size())
}

func TestGuard_OpposingOrdersDoNotDeadlock(t *testing.T) {
	g := NewGuard(5 * time.Second)
	a, b := key(), key()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		keys := []entity.LevelKey{a, b}
		if i%2 == 1 {
			keys = []entity.LevelKey{b, a}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			scope, err := g.Acquire(context.Background(), keys)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			atomic.AddInt32(&inside, -1)
			scope.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, g.Size())
}
