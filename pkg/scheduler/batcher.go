package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/pkg/stats"
	"github.com/clustercore/clustercore/pkg/util"
)

const (
	flushReasonSize     = "size"
	flushReasonWait     = "wait"
	flushReasonShutdown = "shutdown"

	flushTimeout = 30 * time.Second
)

// TriggerEvent is a change written by the Batcher, as replicated to peers.  Exactly one of Trigger
// and Status is set.
type TriggerEvent struct {
	Key     clustercore.TriggerKey           `json:"key"`
	Trigger *clustercore.Trigger             `json:"trigger,omitempty"`
	Status  *clustercore.TriggerStatusUpdate `json:"status,omitempty"`
}

// update is a single enqueued change, either a full row or a status.
type update struct {
	trigger *clustercore.Trigger
	status  *clustercore.TriggerStatusUpdate
}

// batch holds at most one pending change per natural key.
type batch struct {
	opened   time.Time
	triggers map[clustercore.TriggerKey]*clustercore.Trigger
	statuses map[clustercore.TriggerKey]clustercore.TriggerStatusUpdate
}

func newBatch(opened time.Time) *batch {
	return &batch{
		opened:   opened,
		triggers: map[clustercore.TriggerKey]*clustercore.Trigger{},
		statuses: map[clustercore.TriggerKey]clustercore.TriggerStatusUpdate{},
	}
}

// add applies u on top of any pending change of the same key.  A full row replaces a pending
// status, a status is folded into a pending full row.
func (bt *batch) add(u update) {
	if u.trigger != nil {
		k := u.trigger.Key()
		delete(bt.statuses, k)
		bt.triggers[k] = u.trigger
		return
	}
	s := *u.status
	if t, ok := bt.triggers[s.Key]; ok {
		t.Status = s.Status
		t.Retries = s.Retries
		if s.Data != nil {
			t.Data = *s.Data
		}
		return
	}
	bt.statuses[s.Key] = s
}

func (bt *batch) len() int {
	return len(bt.triggers) + len(bt.statuses)
}

func (bt *batch) triggerList() []*clustercore.Trigger {
	out := make([]*clustercore.Trigger, 0, len(bt.triggers))
	for _, t := range bt.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

func (bt *batch) statusList() []clustercore.TriggerStatusUpdate {
	out := make([]clustercore.TriggerStatusUpdate, 0, len(bt.statuses))
	for _, s := range bt.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Batcher coalesces trigger writes per natural key, and writes them in bulk from a single worker.
// Changes of the same key are applied in arrival order.  Written changes are handed to the
// Replicator, if any.
type Batcher struct {
	logger     logrus.FieldLogger
	writer     Writer
	replicator Replicator
	metrics    *stats.BatchMetrics
	maxSize    int
	maxWait    time.Duration

	queue *util.Queue[update] // producers never block on the coalescer
}

// NewBatcher creates a Batcher.  A nil replicator disables replication.
func NewBatcher(logger logrus.FieldLogger, writer Writer, replicator Replicator, metrics *stats.BatchMetrics, maxSize int, maxWait time.Duration) *Batcher {
	if maxSize <= 0 {
		maxSize = clustercore.DefaultBatchMaxSize
	}
	if maxWait <= 0 {
		maxWait = clustercore.DefaultBatchMaxWait
	}
	return &Batcher{
		logger:     logger,
		writer:     writer,
		replicator: replicator,
		metrics:    metrics,
		maxSize:    maxSize,
		maxWait:    maxWait,
		queue:      util.NewQueue[update](),
	}
}

// UpdateTrigger enqueues a full row write.  Never blocks.
func (b *Batcher) UpdateTrigger(t *clustercore.Trigger) {
	c := *t
	b.queue.Push(update{trigger: &c})
}

// UpdateStatus enqueues a status write.  Never blocks.
func (b *Batcher) UpdateStatus(u clustercore.TriggerStatusUpdate) {
	if u.Data != nil {
		data := *u.Data
		u.Data = &data
	}
	b.queue.Push(update{status: &u})
}

// Run coalesces and writes batches until the context is done, then writes whatever is pending.
func (b *Batcher) Run(ctx context.Context) {
	clck := clock.FromContext(ctx)
	// Writes outlive ctx, so an in-flight batch is not torn apart by shutdown.
	writeCtx := clock.Context(context.Background(), clck)

	batches := make(chan *batch)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for bt := range batches {
			b.write(writeCtx, bt)
		}
	}()

	pending := b.coalesce(ctx, batches)
	close(batches)
	<-workerDone

	if pending != nil && pending.len() > 0 {
		b.metrics.Flushes.WithLabelValues(flushReasonShutdown).Inc()
		b.write(writeCtx, pending)
	}
}

// coalesce runs until ctx is done and returns the batch which was not handed off.  Every batch
// is handed off at the latest maxWait after it was opened.
func (b *Batcher) coalesce(ctx context.Context, batches chan<- *batch) *batch {
	clck := clock.FromContext(ctx)

	var cur *batch
	var timer *clock.Timer
	var expired <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	add := func(u update) {
		if cur == nil {
			cur = newBatch(clck.Now())
			timer = clck.NewTimer(b.maxWait)
			expired = timer.C
		}
		cur.add(u)
	}
	hand := func(reason string) {
		select {
		case batches <- cur:
			b.metrics.Flushes.WithLabelValues(reason).Inc()
			cur = nil
			timer.Stop()
			timer, expired = nil, nil
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			for _, u := range b.queue.Take() {
				add(u)
			}
			return cur
		case <-b.queue.Notify():
			for _, u := range b.queue.Take() {
				add(u)
				if cur.len() >= b.maxSize {
					hand(flushReasonSize)
				}
			}
		case <-expired:
			hand(flushReasonWait)
		}
	}
}

// write persists the batch and replicates what was written.
func (b *Batcher) write(ctx context.Context, bt *batch) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	triggers := b.writeTriggers(ctx, bt.triggerList())
	statuses := b.writeStatuses(ctx, bt.statusList())
	b.metrics.FlushedItems.Add(float64(len(triggers) + len(statuses)))

	if b.replicator == nil || len(triggers)+len(statuses) == 0 {
		return
	}
	events := make([]TriggerEvent, 0, len(triggers)+len(statuses))
	for _, t := range triggers {
		events = append(events, TriggerEvent{Key: t.Key(), Trigger: t})
	}
	for i := range statuses {
		events = append(events, TriggerEvent{Key: statuses[i].Key, Status: &statuses[i]})
	}
	if err := b.replicator.Replicate(ctx, events); err != nil {
		b.logger.WithError(err).WithField("events", len(events)).Warn("Failed to replicate trigger changes")
	}
}

// writeTriggers returns the triggers which were written.
func (b *Batcher) writeTriggers(ctx context.Context, ts []*clustercore.Trigger) []*clustercore.Trigger {
	if len(ts) == 0 {
		return nil
	}
	err := b.writer.BulkUpdateTriggers(ctx, ts)
	if err == nil {
		return ts
	}
	b.metrics.Fallbacks.Inc()
	b.logger.WithError(err).WithField("count", len(ts)).Warn("Bulk trigger update failed, writing one by one")

	written := make([]*clustercore.Trigger, 0, len(ts))
	for _, t := range ts {
		if err := b.writer.UpdateTrigger(ctx, t); err != nil {
			b.itemFailed(err, t.Key())
			continue
		}
		written = append(written, t)
	}
	return written
}

// writeStatuses returns the statuses which were written.
func (b *Batcher) writeStatuses(ctx context.Context, us []clustercore.TriggerStatusUpdate) []clustercore.TriggerStatusUpdate {
	if len(us) == 0 {
		return nil
	}
	err := b.writer.BulkUpdateStatus(ctx, us)
	if err == nil {
		return us
	}
	b.metrics.Fallbacks.Inc()
	b.logger.WithError(err).WithField("count", len(us)).Warn("Bulk status update failed, writing one by one")

	written := make([]clustercore.TriggerStatusUpdate, 0, len(us))
	for _, u := range us {
		if err := b.writer.UpdateStatus(ctx, u); err != nil {
			b.itemFailed(err, u.Key)
			continue
		}
		written = append(written, u)
	}
	return written
}

func (b *Batcher) itemFailed(err error, key clustercore.TriggerKey) {
	logger := b.logger.WithError(err).WithField("trigger", key.String())
	if errors.Is(err, clustercore.ErrKeyNotExists) {
		logger.Debug("Dropping update of deleted trigger")
		return
	}
	b.metrics.FailedItems.Inc()
	logger.Error("Failed to write trigger update")
}
