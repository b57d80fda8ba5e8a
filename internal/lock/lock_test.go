package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	t.Parallel()

	l := NewLocalLocker()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "scheduler", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "scheduler", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock is not granted twice")

	other, ok, err := l.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")
	other()

	release()
	release() // idempotent

	again, ok, err := l.TryLock(ctx, "scheduler", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}

func TestLocalLocker_Concurrent(t *testing.T) {
	t.Parallel()

	l := NewLocalLocker()
	var holders, maxHolders atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, ok, _ := l.TryLock(context.Background(), "k", time.Minute)
			if !ok {
				return
			}
			n := holders.Add(1)
			for {
				m := maxHolders.Load()
				if n <= m || maxHolders.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxHolders.Load())
}

func TestRedisLocker_BadURL(t *testing.T) {
	t.Parallel()

	_, err := NewRedisLocker("not a url", nil)
	require.Error(t, err)
}

func TestRedisLocker_Unreachable(t *testing.T) {
	t.Parallel()

	l, err := NewRedisLocker("redis://127.0.0.1:1/0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, ok, err := l.TryLock(ctx, "scheduler", time.Minute)
	require.Error(t, err)
	assert.False(t, ok)
}
