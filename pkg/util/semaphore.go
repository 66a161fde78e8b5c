package util

import (
	"context"
	"errors"
	"time"

	"github.com/tilinna/clock"
)

// ErrSemaphoreTimeout is returned by AcquireWithin when no slot frees up in time.
var ErrSemaphoreTimeout = errors.New("semaphore acquisition timed out")

// Semaphore bounds concurrent holders.  Acquire operations take a context, and waits use the clock
// attached to it.
type Semaphore interface {
	// Acquire will attempt to acquire a lock on the semaphore.  Returns true if successful, and false is the
	// context is cancelled.
	Acquire(ctx context.Context) bool
	// AcquireWithin is Acquire bounded by wait.  It returns ErrSemaphoreTimeout if wait elapses first, and
	// the context error if the context is done.
	AcquireWithin(ctx context.Context, wait time.Duration) error
	// TryAcquire acquires a slot only if one is free right now.
	TryAcquire() bool
	Release()
	// Available is the number of free slots, or -1 if the capacity is unlimited.
	Available() int
}

// NewSemaphore returns a new Semaphore with a capacity of the provided count.  If count is zero, the capacity
// is unlimited.
func NewSemaphore(count int) Semaphore {
	if count == 0 {
		return &nullSemaphore{}
	}
	ch := make(chan struct{}, count)
	for i := 0; i < count; i++ {
		ch <- struct{}{}
	}
	return &chanSemaphore{
		sem: ch,
	}
}

type chanSemaphore struct {
	sem chan struct{}
}

func (c *chanSemaphore) Acquire(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.sem:
		return true
	}
}

func (c *chanSemaphore) AcquireWithin(ctx context.Context, wait time.Duration) error {
	if c.TryAcquire() {
		return nil
	}
	tmr := clock.NewTimer(ctx, wait)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return ErrSemaphoreTimeout
	case <-c.sem:
		return nil
	}
}

func (c *chanSemaphore) TryAcquire() bool {
	select {
	case <-c.sem:
		return true
	default:
		return false
	}
}

func (c *chanSemaphore) Release() {
	c.sem <- struct{}{}
}

func (c *chanSemaphore) Available() int {
	return len(c.sem)
}

type nullSemaphore struct{}

func (ns *nullSemaphore) Acquire(context.Context) bool                       { return true }
func (ns *nullSemaphore) AcquireWithin(context.Context, time.Duration) error { return nil }
func (ns *nullSemaphore) TryAcquire() bool                                   { return true }
func (ns *nullSemaphore) Release()                                           {}
func (ns *nullSemaphore) Available() int                                     { return -1 }
