// Package scheduler is the durable trigger queue: a relational store of deferred and periodic jobs
// with lease based claiming, plus the batching, sweeping and running loops built on top of it.
package scheduler

import (
	"context"
	"time"

	"github.com/clustercore/clustercore"
)

// PullLockName is the name of the advisory lock guarding the claim transaction.
const PullLockName = "scheduler_pull_lock"

// DefaultExemptModules are not purged by CleanComplete for running out of retries.
var DefaultExemptModules = []clustercore.Module{clustercore.ModuleAlert}

// Writer is the write path shared by the Store and the Batcher.
type Writer interface {
	// UpdateStatus persists a status-only change.  Returns clustercore.ErrKeyNotExists if there is no
	// such trigger.
	UpdateStatus(ctx context.Context, u clustercore.TriggerStatusUpdate) error
	// UpdateTrigger persists every mutable column of the trigger, found by its natural key.
	UpdateTrigger(ctx context.Context, t *clustercore.Trigger) error
	// BulkUpdateStatus applies every change in one transaction.  Missing triggers are skipped.
	BulkUpdateStatus(ctx context.Context, us []clustercore.TriggerStatusUpdate) error
	// BulkUpdateTriggers applies every change in one transaction.  Missing triggers are skipped.
	BulkUpdateTriggers(ctx context.Context, ts []*clustercore.Trigger) error
}

// Store is the trigger queue.  Times are read from the clock in the context.
type Store interface {
	Writer

	// Push inserts a Waiting trigger.  Pushing an existing natural key is a no-op.
	Push(ctx context.Context, t *clustercore.Trigger) error
	// Pull claims up to concurrency due triggers, oldest next_run_at first, and returns the claimed
	// rows.  Realtime triggers which are silenced are never claimed.  Returns
	// clustercore.ErrLockAcquisitionFailed if the pull lock could not be taken in time.
	Pull(ctx context.Context, concurrency int, alertTimeout, reportTimeout time.Duration) ([]*clustercore.Trigger, error)
	// KeepAlive extends the lease of claimed triggers.  Returns clustercore.ErrLeaseExpiredOrRevoked
	// if any of them is no longer held, the others are still extended.
	KeepAlive(ctx context.Context, ids []int64, alertTimeout, reportTimeout time.Duration) error
	// Delete removes a trigger.  Deleting a missing trigger is not an error.
	Delete(ctx context.Context, key clustercore.TriggerKey) error
	// WatchTimeout returns every claimed trigger whose lease expired to Waiting, incrementing its
	// retries.  Returns the number of reclaimed triggers.
	WatchTimeout(ctx context.Context) (int64, error)
	// CleanComplete purges Completed triggers and triggers out of retries.  Triggers of the exempt
	// modules are kept however many retries they have.  With inclusive, retries equal to
	// maxRetries is out of retries.
	CleanComplete(ctx context.Context, maxRetries int, inclusive bool, exempt []clustercore.Module) (int64, error)

	Len(ctx context.Context) (int64, error)
	LenModule(ctx context.Context, module clustercore.Module) (int64, error)
	// List returns the triggers of the module, or every trigger if module is nil, ordered by id.
	List(ctx context.Context, module *clustercore.Module) ([]*clustercore.Trigger, error)
	// ListByOrg is List restricted to one org.
	ListByOrg(ctx context.Context, org string, module *clustercore.Module) ([]*clustercore.Trigger, error)
	// Get returns the trigger, or clustercore.ErrKeyNotExists.
	Get(ctx context.Context, key clustercore.TriggerKey) (*clustercore.Trigger, error)

	Close() error
}

// leaseFor returns the lease of a claimed trigger of the module.
func leaseFor(m clustercore.Module, alertTimeout, reportTimeout time.Duration) time.Duration {
	if m == clustercore.ModuleAlert {
		return alertTimeout
	}
	return reportTimeout
}
