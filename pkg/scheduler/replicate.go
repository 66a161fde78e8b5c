package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/clustercore/clustercore/pkg/coordinator"
	"github.com/clustercore/clustercore/pkg/stats"
)

// EventsChannel is the coordinator channel trigger changes are replicated on.
const EventsChannel = "trigger-events"

// Replicator fans written trigger changes out to peer nodes.
type Replicator interface {
	Replicate(ctx context.Context, events []TriggerEvent) error
}

// CoordinatorReplicator publishes trigger changes on the coordinator as JSON arrays.  No message is
// larger than maxPayload, unless it holds a single event which is larger on its own.
type CoordinatorReplicator struct {
	logger     logrus.FieldLogger
	coord      coordinator.Coordinator
	metrics    *stats.BatchMetrics
	maxPayload int
}

func NewCoordinatorReplicator(logger logrus.FieldLogger, coord coordinator.Coordinator, metrics *stats.BatchMetrics, maxPayload int) *CoordinatorReplicator {
	return &CoordinatorReplicator{
		logger:     logger,
		coord:      coord,
		metrics:    metrics,
		maxPayload: maxPayload,
	}
}

func (r *CoordinatorReplicator) Replicate(ctx context.Context, events []TriggerEvent) error {
	msgs, err := chunkEvents(events, r.maxPayload)
	if err != nil {
		return err
	}
	var errs []error
	for _, msg := range msgs {
		if err := r.coord.Publish(ctx, EventsChannel, msg); err != nil {
			r.metrics.ReplicaFailure.Inc()
			errs = append(errs, err)
			continue
		}
		r.metrics.Replicated.Inc()
	}
	return errors.Join(errs...)
}

// Subscribe returns the trigger changes replicated by peers, including this node.  The channel is
// closed when the context is done or the subscription fails.
func (r *CoordinatorReplicator) Subscribe(ctx context.Context) (<-chan []TriggerEvent, error) {
	msgs, err := r.coord.Subscribe(ctx, EventsChannel)
	if err != nil {
		return nil, err
	}
	out := make(chan []TriggerEvent)
	go func() {
		defer close(out)
		for msg := range msgs {
			var events []TriggerEvent
			if err := json.Unmarshal(msg, &events); err != nil {
				r.logger.WithError(err).Warn("Dropping malformed trigger events")
				continue
			}
			for _, ev := range events {
				r.metrics.Received.WithLabelValues(ev.kind()).Inc()
			}
			select {
			case out <- events:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (ev TriggerEvent) kind() string {
	if ev.Trigger != nil {
		return "trigger"
	}
	return "status"
}

// chunkEvents encodes events as JSON arrays of at most maxPayload bytes each.
func chunkEvents(events []TriggerEvent, maxPayload int) ([][]byte, error) {
	var (
		msgs [][]byte
		buf  bytes.Buffer
		n    int
	)
	closeChunk := func() {
		if n == 0 {
			return
		}
		buf.WriteByte(']')
		msgs = append(msgs, append([]byte(nil), buf.Bytes()...))
		buf.Reset()
		n = 0
	}
	for i := range events {
		encoded, err := json.Marshal(&events[i])
		if err != nil {
			return nil, fmt.Errorf("encode trigger event %s: %w", events[i].Key, err)
		}
		// Size once appended: a separator, or the opening bracket, plus the closing bracket.
		if n > 0 && maxPayload > 0 && buf.Len()+1+len(encoded)+1 > maxPayload {
			closeChunk()
		}
		if n == 0 {
			buf.WriteByte('[')
		} else {
			buf.WriteByte(',')
		}
		buf.Write(encoded)
		n++
	}
	closeChunk()
	return msgs, nil
}
