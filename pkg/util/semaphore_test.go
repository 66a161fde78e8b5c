package util

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clustercore/clustercore/internal/fixtures"
)

func TestSemaphoreUnlimited(t *testing.T) {
	t.Parallel()
	s := NewSemaphore(0)
	for i := 0; i < 10; i++ {
		require.True(t, s.TryAcquire())
		require.NoError(t, s.AcquireWithin(context.Background(), 0))
	}
	require.Equal(t, -1, s.Available())
	for i := 0; i < 20; i++ {
		s.Release()
	}
}

func TestSemaphoreBoundsHolders(t *testing.T) {
	t.Parallel()
	s := NewSemaphore(5)
	var c, peak int64
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			s.Acquire(context.Background())
			ctr := atomic.AddInt64(&c, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if ctr <= p || atomic.CompareAndSwapInt64(&peak, p, ctr) {
					break
				}
			}
			atomic.AddInt64(&c, -1)
			s.Release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, int64(5))
	assert.Equal(t, 5, s.Available())
}

func TestSemaphoreCancelled(t *testing.T) {
	t.Parallel()
	s := NewSemaphore(1)
	cancelledContext, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, s.Acquire(context.Background()))
	require.False(t, s.Acquire(cancelledContext))
	require.ErrorIs(t, s.AcquireWithin(cancelledContext, time.Hour), context.Canceled)
	s.Release()
}

func TestSemaphoreTryAcquire(t *testing.T) {
	t.Parallel()
	s := NewSemaphore(2)
	require.True(t, s.TryAcquire())
	require.Equal(t, 1, s.Available())
	require.True(t, s.TryAcquire())
	require.False(t, s.TryAcquire())
	require.Zero(t, s.Available())
	s.Release()
	require.True(t, s.TryAcquire())
}

func TestSemaphoreAcquireWithin(t *testing.T) {
	t.Parallel()
	ctxTest, cancel := fixtures.TestContext(t, 2*time.Second)
	defer cancel()
	ctx, clck := fixtures.MockClock(ctxTest, time.Unix(1000, 0))

	s := NewSemaphore(1)
	require.NoError(t, s.AcquireWithin(ctx, time.Second))

	timedOut := make(chan error, 1)
	go func() { timedOut <- s.AcquireWithin(ctx, time.Second) }()
	fixtures.NextStep(ctxTest, clck)
	require.ErrorIs(t, <-timedOut, ErrSemaphoreTimeout)

	acquired := make(chan error, 1)
	go func() { acquired <- s.AcquireWithin(ctx, time.Minute) }()
	s.Release()
	require.NoError(t, <-acquired)
	require.Zero(t, s.Available())
}
