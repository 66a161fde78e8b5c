package nodes

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff"
	"github.com/tilinna/clock"

	"github.com/clustercore/clustercore/pkg/coordinator"
)

var errWatchClosed = errors.New("node watch closed")

// WatchNodeList keeps the Registry and Rings in sync with the coordinator until the context is
// done or this node leaves.  The watch is started before the initial List so nothing is missed
// between the two, and it is restarted with backoff after any failure.
func (c *Cluster) WatchNodeList(ctx context.Context) {
	clck := clock.FromContext(ctx)
	bo := c.retry.Unbounded()()

	for {
		if ctx.Err() != nil || c.IsOffline() {
			return
		}

		err := c.watchNodeList(ctx, bo)
		if ctx.Err() != nil || c.IsOffline() {
			return
		}

		wait := bo.NextBackOff()
		c.metrics.WatchRestarts.Inc()
		c.logger.WithError(err).WithField("retry_in", wait).Warn("Node watch failed")

		tmr := clck.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-tmr.C:
		}
	}
}

func (c *Cluster) watchNodeList(ctx context.Context, bo backoff.BackOff) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := c.coord.Watch(watchCtx, NodesPrefix)
	if err != nil {
		return err
	}
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return err
	}
	c.sync(nodes)
	bo.Reset()
	c.logger.WithField("nodes", len(nodes)).Info("Node list synced")

	for {
		if c.IsOffline() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errWatchClosed
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Cluster) handleEvent(ev coordinator.Event) {
	id, ok := ParseNodesKey(ev.Key)
	if !ok {
		return
	}
	switch ev.Type {
	case coordinator.EventPut:
		n, err := decodeNode(ev.Value)
		if err != nil {
			c.logger.WithError(err).WithField("key", ev.Key).Warn("Skipping invalid node entry")
			return
		}
		c.applyPut(n)
	case coordinator.EventDelete:
		c.membershipMu.Lock()
		c.leaveLocked(id)
		c.membershipMu.Unlock()
	}
}
