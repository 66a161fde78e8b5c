package fixtures

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestContext returns a context that will timeout and fail the test if not canceled.  Used to
// enforce a timeout on tests.
func TestContext(t *testing.T, d time.Duration) (context.Context, func()) {
	ctxTest, completeTest := context.WithTimeout(context.Background(), d+100*time.Millisecond)
	go func() {
		after := time.NewTimer(d)
		select {
		case <-ctxTest.Done():
			after.Stop()
		case <-after.C:
			require.Fail(t, "test timed out")
		}
	}()
	return ctxTest, completeTest
}
