package clustercore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	runs int
}

func (cr *countingRunner) Run(context.Context) {
	cr.runs++
}

func TestMaybeAppendRunnable(t *testing.T) {
	t.Parallel()
	cr := &countingRunner{}

	var runnables []Runnable
	runnables = MaybeAppendRunnable(runnables, cr)
	runnables = MaybeAppendRunnable(runnables, struct{}{})
	require.Len(t, runnables, 1)

	runnables[0](context.Background())
	require.Equal(t, 1, cr.runs)
}
