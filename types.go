package clustercore

import (
	"context"
)

// Runnable is a long running function intended to be launched in a goroutine.
type Runnable func(context.Context)

// Runner exposes a Runnable through an interface
type Runner interface {
	Run(context.Context)
}

// MaybeAppendRunnable appends the Run method of maybeRunner if it implements Runner.
func MaybeAppendRunnable(runnables []Runnable, maybeRunner interface{}) []Runnable {
	if r, ok := maybeRunner.(Runner); ok {
		runnables = append(runnables, r.Run)
	}
	return runnables
}

// Micros is the number of microseconds elapsed since January 1, 1970 UTC.  All trigger timestamps
// are stored with this precision.
// Get the value with ToMicros(time.Now()).
type Micros int64
