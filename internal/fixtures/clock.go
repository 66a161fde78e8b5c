package fixtures

import (
	"context"
	"time"

	"github.com/tilinna/clock"
)

// MockClock attaches a mock clock starting at start to ctx.  Trigger timestamps are in micros, so
// start should be a whole second to keep expected values readable.
func MockClock(ctx context.Context, start time.Time) (context.Context, *clock.Mock) {
	clck := clock.NewMock(start)
	return clock.Context(ctx, clck), clck
}

// NextStep advances clck to its next timer, waiting until one is armed or ctx is done.  Loops
// running in their own goroutine arm their timers at an unknown point, so tests step the clock
// with this rather than a fixed Add.
func NextStep(ctx context.Context, clck *clock.Mock) {
	for _, d := clck.AddNext(); d == 0 && ctx.Err() == nil; _, d = clck.AddNext() {
		time.Sleep(1) // lets the goroutine under test run, runtime.Gosched() is not enough
	}
}
