package util

import (
	"context"
	"sync"
	"time"

	"github.com/tilinna/clock"
)

// AlignedTicker fires at offset past every multiple of interval since the epoch, so that tickers on
// different nodes configured alike fire together.  The time sent is the aligned time, not the time
// the timer actually fired.  A tick is dropped if the previous one was not consumed, and missed
// ticks are skipped rather than delivered late.
type AlignedTicker struct {
	C <-chan time.Time
	c chan time.Time

	stop     chan struct{}
	stopOnce sync.Once
	interval time.Duration
	offset   time.Duration
}

// NewAlignedTicker starts a ticker which runs until Stop is called or the context is done.  The
// clock is taken from the context.
func NewAlignedTicker(ctx context.Context, interval, offset time.Duration) *AlignedTicker {
	ch := make(chan time.Time, 1)
	at := &AlignedTicker{
		C:        ch,
		c:        ch,
		stop:     make(chan struct{}),
		interval: interval,
		offset:   offset % interval,
	}
	go at.run(ctx)
	return at
}

// next returns the first aligned time strictly after t.
func (at *AlignedTicker) next(t time.Time) time.Time {
	return t.Add(-at.offset).Truncate(at.interval).Add(at.interval + at.offset)
}

func (at *AlignedTicker) run(ctx context.Context) {
	clck := clock.FromContext(ctx)
	due := at.next(clck.Now())
	for {
		tmr := clck.NewTimer(due.Sub(clck.Now()))
		select {
		case <-tmr.C:
		case <-at.stop:
			tmr.Stop()
			return
		case <-ctx.Done():
			tmr.Stop()
			return
		}
		select {
		case at.c <- due:
		default:
		}
		due = at.next(clck.Now())
	}
}

// Stop stops the ticker.  It is safe to call more than once.
func (at *AlignedTicker) Stop() {
	at.stopOnce.Do(func() {
		close(at.stop)
	})
}
