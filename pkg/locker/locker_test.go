package locker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalAcquireRelease(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	lock, err := l.Acquire(ctx, "auction:1:bid", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))

	// Reacquire after release.
	lock, err = l.Acquire(ctx, "auction:1:bid", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestLocalContention(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	held, err := l.Acquire(ctx, "key", time.Second)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(shortCtx, "key", time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, held.Release(ctx))
	lock, err := l.Acquire(ctx, "key", time.Second)
	require.NoError(t, err)
	lock.Release(ctx)
}

func TestLocalIndependentKeys(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	a, err := l.Acquire(ctx, "a", time.Second)
	require.NoError(t, err)
	b, err := l.Acquire(ctx, "b", time.Second)
	require.NoError(t, err)
	a.Release(ctx)
	b.Release(ctx)
}

func TestLocalReleaseIdempotent(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	lock, err := l.Acquire(ctx, "key", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx))

	// A double release must not have freed the key twice.
	first, err := l.Acquire(ctx, "key", time.Second)
	require.NoError(t, err)
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(shortCtx, "key", time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)
	first.Release(ctx)
}

func TestLocalSerializesCriticalSection(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var mu sync.Mutex
	inSection := 0
	maxSeen := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := l.Acquire(ctx, "shared", time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inSection++
			if inSection > maxSeen {
				maxSeen = inSection
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inSection--
			mu.Unlock()
			lock.Release(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
