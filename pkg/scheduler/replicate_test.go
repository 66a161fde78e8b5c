package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/internal/fixtures"
	"github.com/clustercore/clustercore/pkg/coordinator"
	"github.com/clustercore/clustercore/pkg/stats"
)

func testEvents(n int) []TriggerEvent {
	events := make([]TriggerEvent, 0, n)
	for i := 0; i < n; i++ {
		key := statusKey(fmt.Sprintf("k%02d", i))
		events = append(events, TriggerEvent{
			Key:    key,
			Status: &clustercore.TriggerStatusUpdate{Key: key, Status: clustercore.TriggerCompleted, Retries: i},
		})
	}
	return events
}

func TestChunkEvents(t *testing.T) {
	t.Parallel()
	events := testEvents(10)
	one, err := json.Marshal(&events[0])
	require.NoError(t, err)
	maxPayload := 3*len(one) + 4 // three events, brackets and separators

	msgs, err := chunkEvents(events, maxPayload)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	var decoded []TriggerEvent
	for _, msg := range msgs {
		require.LessOrEqual(t, len(msg), maxPayload)
		var chunk []TriggerEvent
		require.NoError(t, json.Unmarshal(msg, &chunk))
		decoded = append(decoded, chunk...)
	}
	require.Equal(t, events, decoded)
}

func TestChunkEventsOversized(t *testing.T) {
	t.Parallel()
	events := testEvents(3)
	big := strings.Repeat("x", 1000)
	events[1].Status.Data = &big

	msgs, err := chunkEvents(events, 200)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Greater(t, len(msgs[1]), 1000)

	msgs, err = chunkEvents(events, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = chunkEvents(nil, 100)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestCoordinatorReplicatorRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := fixtures.TestContext(t, 2*time.Second)
	defer cancel()
	metrics := stats.NewBatchMetrics(prometheus.NewRegistry())
	r := NewCoordinatorReplicator(fixtures.NewTestLogger(t), coordinator.NewMemory(), metrics, 300)

	ch, err := r.Subscribe(ctx)
	require.NoError(t, err)

	events := testEvents(7)
	require.NoError(t, r.Replicate(ctx, events))

	var received []TriggerEvent
	for len(received) < len(events) {
		select {
		case <-ctx.Done():
			require.FailNow(t, "timed out")
		case chunk := <-ch:
			received = append(received, chunk...)
		}
	}
	require.Equal(t, events, received)
	require.Greater(t, testutil.ToFloat64(metrics.Replicated), 1.0)
	require.EqualValues(t, len(events), testutil.ToFloat64(metrics.Received.WithLabelValues("status")))
	require.Zero(t, testutil.ToFloat64(metrics.Received.WithLabelValues("trigger")))
	require.Zero(t, testutil.ToFloat64(metrics.ReplicaFailure))
}

type failingCoordinator struct {
	coordinator.Coordinator
}

func (failingCoordinator) Publish(ctx context.Context, channel string, payload []byte) error {
	return fmt.Errorf("%w: connection reset", clustercore.ErrCoordinatorUnavailable)
}

func TestCoordinatorReplicatorFailure(t *testing.T) {
	t.Parallel()
	metrics := stats.NewBatchMetrics(prometheus.NewRegistry())
	r := NewCoordinatorReplicator(fixtures.NewTestLogger(t), failingCoordinator{}, metrics, 0)

	err := r.Replicate(context.Background(), testEvents(2))
	require.True(t, errors.Is(err, clustercore.ErrCoordinatorUnavailable))
	require.EqualValues(t, 1, testutil.ToFloat64(metrics.ReplicaFailure))
}
