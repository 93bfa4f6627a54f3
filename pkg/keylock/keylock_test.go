package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLock(t *testing.T) {
	k := New()
	unlock, ok := k.TryLock("merge/out")
	require.True(t, ok)
	assert.True(t, k.held("merge/out"))

	_, ok = k.TryLock("merge/out")
	assert.False(t, ok)

	other, ok := k.TryLock("train/out")
	require.True(t, ok)
	other()

	unlock()
	unlock() // idempotent
	assert.False(t, k.held("merge/out"))

	again, ok := k.TryLock("merge/out")
	require.True(t, ok)
	again()
	assert.Empty(t, k.locks)
}

func TestLockSerializes(t *testing.T) {
	k := New()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "src")
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
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, k.locks)
}

func TestLockHonoursContext(t *testing.T) {
	k := New()
	unlock, err := k.Lock(context.Background(), "src")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "src")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
