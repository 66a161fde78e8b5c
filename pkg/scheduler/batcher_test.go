package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/internal/fixtures"
	"github.com/clustercore/clustercore/pkg/stats"
)

// recordingWriter records every write.  Bulk writes fail if failBulk is set, single writes fail
// for the keys in failKeys.
type recordingWriter struct {
	mu           sync.Mutex
	failBulk     bool
	failKeys     map[clustercore.TriggerKey]error
	bulkTriggers [][]*clustercore.Trigger
	bulkStatuses [][]clustercore.TriggerStatusUpdate
	triggers     []*clustercore.Trigger
	statuses     []clustercore.TriggerStatusUpdate
}

func (w *recordingWriter) UpdateStatus(ctx context.Context, u clustercore.TriggerStatusUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failKeys[u.Key]; err != nil {
		return err
	}
	w.statuses = append(w.statuses, u)
	return nil
}

func (w *recordingWriter) UpdateTrigger(ctx context.Context, t *clustercore.Trigger) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failKeys[t.Key()]; err != nil {
		return err
	}
	w.triggers = append(w.triggers, t)
	return nil
}

func (w *recordingWriter) BulkUpdateStatus(ctx context.Context, us []clustercore.TriggerStatusUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failBulk {
		return errors.New("deadlock detected")
	}
	w.bulkStatuses = append(w.bulkStatuses, us)
	return nil
}

func (w *recordingWriter) BulkUpdateTriggers(ctx context.Context, ts []*clustercore.Trigger) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failBulk {
		return errors.New("deadlock detected")
	}
	w.bulkTriggers = append(w.bulkTriggers, ts)
	return nil
}

func (w *recordingWriter) bulkStatusCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bulkStatuses)
}

type recordingReplicator struct {
	mu     sync.Mutex
	events []TriggerEvent
}

func (r *recordingReplicator) Replicate(ctx context.Context, events []TriggerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func statusKey(key string) clustercore.TriggerKey {
	return clustercore.TriggerKey{Org: "o1", Module: clustercore.ModuleReport, ModuleKey: key}
}

func newTestBatcher(t *testing.T, w Writer, r Replicator, maxSize int, maxWait time.Duration) (*Batcher, *stats.BatchMetrics) {
	metrics := stats.NewBatchMetrics(prometheus.NewRegistry())
	return NewBatcher(fixtures.NewTestLogger(t), w, r, metrics, maxSize, maxWait), metrics
}

// runBatcher starts the batcher.  The returned function stops it and waits for Run to exit.
func runBatcher(ctx context.Context, b *Batcher) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg wait.Group
	wg.StartWithContext(ctx, b.Run)
	return func() {
		cancel()
		wg.Wait()
	}
}

func TestBatchAdd(t *testing.T) {
	t.Parallel()
	bt := newBatch(time.Unix(1, 0))
	data := "late"

	// A status is folded into a pending full row.
	row := report("o1", "a", 10)
	row.Data = "early"
	bt.add(update{trigger: row})
	bt.add(update{status: &clustercore.TriggerStatusUpdate{Key: row.Key(), Status: clustercore.TriggerCompleted, Retries: 2, Data: &data}})
	require.Equal(t, 1, bt.len())
	require.Equal(t, clustercore.TriggerCompleted, bt.triggers[row.Key()].Status)
	require.Equal(t, 2, bt.triggers[row.Key()].Retries)
	require.Equal(t, "late", bt.triggers[row.Key()].Data)
	require.EqualValues(t, 10, bt.triggers[row.Key()].NextRunAt)

	// A full row replaces a pending status.
	bt.add(update{status: &clustercore.TriggerStatusUpdate{Key: statusKey("b"), Status: clustercore.TriggerCompleted}})
	bt.add(update{trigger: report("o1", "b", 20)})
	require.Equal(t, 2, bt.len())
	require.Empty(t, bt.statuses)
	require.Equal(t, clustercore.TriggerWaiting, bt.triggers[statusKey("b")].Status)

	// The last status wins.
	for i := 1; i <= 3; i++ {
		bt.add(update{status: &clustercore.TriggerStatusUpdate{Key: statusKey("c"), Retries: i}})
	}
	require.Equal(t, 3, bt.len())
	require.Equal(t, 3, bt.statuses[statusKey("c")].Retries)
}

func TestBatcherCoalescesPerKey(t *testing.T) {
	t.Parallel()
	ctx, cancel := fixtures.TestContext(t, 2*time.Second)
	defer cancel()
	w := &recordingWriter{}
	r := &recordingReplicator{}
	b, metrics := newTestBatcher(t, w, r, 3, time.Hour)

	for i := 1; i <= 5; i++ {
		b.UpdateStatus(clustercore.TriggerStatusUpdate{Key: statusKey("a"), Status: clustercore.TriggerWaiting, Retries: i})
	}
	row := report("o1", "c", 100)
	b.UpdateTrigger(row)
	row.Data = "mutated after enqueue"
	b.UpdateStatus(clustercore.TriggerStatusUpdate{Key: row.Key(), Status: clustercore.TriggerCompleted})
	b.UpdateStatus(clustercore.TriggerStatusUpdate{Key: statusKey("b"), Status: clustercore.TriggerCompleted})

	stop := runBatcher(ctx, b)
	require.Eventually(t, func() bool { return w.bulkStatusCalls() == 1 }, time.Second, time.Millisecond)
	stop()

	require.Len(t, w.bulkStatuses, 1)
	require.Equal(t, []clustercore.TriggerStatusUpdate{
		{Key: statusKey("a"), Status: clustercore.TriggerWaiting, Retries: 5},
		{Key: statusKey("b"), Status: clustercore.TriggerCompleted},
	}, w.bulkStatuses[0])
	require.Len(t, w.bulkTriggers, 1)
	require.Len(t, w.bulkTriggers[0], 1)
	require.Equal(t, clustercore.TriggerCompleted, w.bulkTriggers[0][0].Status)
	require.Equal(t, "{}", w.bulkTriggers[0][0].Data)
	require.Empty(t, w.statuses)
	require.Empty(t, w.triggers)

	require.Len(t, r.events, 3)
	require.NotNil(t, r.events[0].Trigger)
	require.Equal(t, statusKey("a"), r.events[1].Key)
	require.Equal(t, 5, r.events[1].Status.Retries)

	require.EqualValues(t, 1, testutil.ToFloat64(metrics.Flushes.WithLabelValues(flushReasonSize)))
	require.EqualValues(t, 3, testutil.ToFloat64(metrics.FlushedItems))
}

func TestBatcherFlushesAfterMaxWait(t *testing.T) {
	t.Parallel()
	ctxTest, cancel := fixtures.TestContext(t, 2*time.Second)
	defer cancel()
	ctx, clck := fixtures.MockClock(ctxTest, time.Unix(1, 0))
	w := &recordingWriter{}
	b, metrics := newTestBatcher(t, w, nil, 100, time.Second)

	stop := runBatcher(ctx, b)
	b.UpdateStatus(clustercore.TriggerStatusUpdate{Key: statusKey("a"), Status: clustercore.TriggerCompleted})
	require.Eventually(t, func() bool {
		fixtures.NextStep(ctx, clck)
		return w.bulkStatusCalls() == 1
	}, time.Second, time.Millisecond)
	stop()

	require.Equal(t, statusKey("a"), w.bulkStatuses[0][0].Key)
	require.EqualValues(t, 1, testutil.ToFloat64(metrics.Flushes.WithLabelValues(flushReasonWait)))
}

func TestBatcherWaitsFullMaxWaitFromBatchOpen(t *testing.T) {
	t.Parallel()
	ctxTest, cancel := fixtures.TestContext(t, 2*time.Second)
	defer cancel()
	start := time.Unix(1, 0)
	ctx, clck := fixtures.MockClock(ctxTest, start)
	w := &recordingWriter{}
	b, _ := newTestBatcher(t, w, nil, 100, 10*time.Second)

	stop := runBatcher(ctx, b)
	defer stop()

	clck.Add(9 * time.Second)
	b.UpdateStatus(clustercore.TriggerStatusUpdate{Key: statusKey("a"), Status: clustercore.TriggerCompleted})
	clck.Add(time.Second)
	require.Never(t, func() bool { return w.bulkStatusCalls() > 0 }, 50*time.Millisecond, time.Millisecond)

	// The batch was opened at +9s at the earliest.
	fixtures.NextStep(ctx, clck)
	require.Eventually(t, func() bool { return w.bulkStatusCalls() == 1 }, time.Second, time.Millisecond)
	require.False(t, clck.Now().Before(start.Add(19*time.Second)), clck.Now())
}

func TestBatcherFallsBackToSingleWrites(t *testing.T) {
	t.Parallel()
	ctx, cancel := fixtures.TestContext(t, 2*time.Second)
	defer cancel()
	w := &recordingWriter{
		failBulk: true,
		failKeys: map[clustercore.TriggerKey]error{
			statusKey("b"): errors.New("constraint violation"),
			statusKey("c"): clustercore.ErrKeyNotExists,
		},
	}
	r := &recordingReplicator{}
	metrics := stats.NewBatchMetrics(prometheus.NewRegistry())
	logger := fixtures.NewTestLogger(t, fixtures.WithLevel(logrus.DebugLevel))
	b := NewBatcher(logger, w, r, metrics, 100, time.Hour)

	b.UpdateStatus(clustercore.TriggerStatusUpdate{Key: statusKey("a"), Status: clustercore.TriggerCompleted})
	b.UpdateStatus(clustercore.TriggerStatusUpdate{Key: statusKey("b"), Status: clustercore.TriggerCompleted})
	b.UpdateTrigger(report("o1", "c", 1))
	b.UpdateTrigger(report("o1", "d", 1))

	stop := runBatcher(ctx, b)
	stop()

	require.Equal(t, []clustercore.TriggerStatusUpdate{{Key: statusKey("a"), Status: clustercore.TriggerCompleted}}, w.statuses)
	require.Len(t, w.triggers, 1)
	require.Equal(t, "d", w.triggers[0].ModuleKey)

	var replicated []string
	for _, ev := range r.events {
		replicated = append(replicated, ev.Key.ModuleKey)
	}
	require.Equal(t, []string{"d", "a"}, replicated)

	require.EqualValues(t, 2, testutil.ToFloat64(metrics.Fallbacks))
	require.EqualValues(t, 1, testutil.ToFloat64(metrics.FailedItems))
	require.EqualValues(t, 1, testutil.ToFloat64(metrics.Flushes.WithLabelValues(flushReasonShutdown)))
}

func TestBatcherFlushesPendingOnShutdown(t *testing.T) {
	t.Parallel()
	ctx, cancel := fixtures.TestContext(t, 2*time.Second)
	defer cancel()
	w := &recordingWriter{}
	b, metrics := newTestBatcher(t, w, nil, 100, time.Hour)

	done, stopNow := context.WithCancel(ctx)
	stopNow()
	b.UpdateStatus(clustercore.TriggerStatusUpdate{Key: statusKey("a"), Status: clustercore.TriggerCompleted})
	b.Run(done)

	require.Len(t, w.bulkStatuses, 1)
	require.EqualValues(t, 1, testutil.ToFloat64(metrics.Flushes.WithLabelValues(flushReasonShutdown)))
}
