package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"
	"golang.org/x/time/rate"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/pkg/util"
)

// Result is the outcome of a successful job execution.
type Result struct {
	// NextRunAt is when the trigger fires again.  Ignored if Done.
	NextRunAt time.Time
	// Done completes the trigger, it never fires again and is purged.
	Done bool
	// Data replaces the payload of the trigger if not nil.
	Data *string
}

// Handler executes the job of a claimed trigger.  The context is cancelled when the job runs out of
// time or loses its lease.
type Handler interface {
	Handle(ctx context.Context, t *clustercore.Trigger) (Result, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, t *clustercore.Trigger) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, t *clustercore.Trigger) (Result, error) {
	return f(ctx, t)
}

// ResultSink receives the trigger changes produced by finished jobs.  The Batcher is one.
type ResultSink interface {
	UpdateTrigger(t *clustercore.Trigger)
	UpdateStatus(u clustercore.TriggerStatusUpdate)
}

// Runner pulls due triggers and runs them through the Handler of their module.  Job execution is
// at least once: a job which loses its lease is cancelled, and its result is discarded.
type Runner struct {
	logger   logrus.FieldLogger
	store    Store
	sink     ResultSink
	handlers map[clustercore.Module]Handler
	config   Config

	sem     util.Semaphore
	limiter *rate.Limiter
}

func NewRunner(logger logrus.FieldLogger, store Store, sink ResultSink, handlers map[clustercore.Module]Handler, config Config) *Runner {
	if config.PullConcurrency <= 0 {
		config.PullConcurrency = clustercore.DefaultSchedulerPullConcurrency
	}
	limit := rate.Inf
	if config.DispatchRate > 0 {
		limit = rate.Limit(config.DispatchRate)
	}
	return &Runner{
		logger:   logger,
		store:    store,
		sink:     sink,
		handlers: handlers,
		config:   config,
		sem:      util.NewSemaphore(config.PullConcurrency),
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Run pulls on every interval until the context is done, then waits for running jobs.
func (r *Runner) Run(ctx context.Context) {
	var wg wait.Group
	defer wg.Wait()

	tckr := clock.NewTicker(ctx, r.config.PullInterval)
	defer tckr.Stop()
	for {
		r.pull(ctx, &wg)
		select {
		case <-ctx.Done():
			return
		case <-tckr.C:
		}
	}
}

func (r *Runner) pull(ctx context.Context, wg *wait.Group) {
	free := r.sem.Available()
	if free <= 0 {
		return
	}
	ts, err := r.store.Pull(ctx, free, r.config.AlertTimeout, r.config.ReportTimeout)
	if err != nil {
		if errors.Is(err, clustercore.ErrLockAcquisitionFailed) {
			r.logger.WithError(err).Debug("Pull lock busy")
		} else if ctx.Err() == nil {
			r.logger.WithError(err).Error("Failed to pull triggers")
		}
		return
	}
	for _, t := range ts {
		// Triggers claimed but not started are reclaimed once their lease expires.
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		if !r.sem.Acquire(ctx) {
			return
		}
		t := t
		wg.Start(func() {
			defer r.sem.Release()
			r.run(ctx, t)
		})
	}
}

// run executes one job, renewing its lease while it runs, and reports the outcome.
func (r *Runner) run(ctx context.Context, t *clustercore.Trigger) {
	logger := r.logger.WithField("trigger", t.Key().String())
	jobCtx, cancel := clock.TimeoutContext(ctx, r.config.JobRunTimeout)
	defer cancel()

	var revoked atomic.Bool
	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		if r.keepAlive(jobCtx, logger, t) {
			revoked.Store(true)
			cancel()
		}
	}()

	res, err := r.handle(jobCtx, t)
	cancel()
	<-keepAliveDone

	if revoked.Load() {
		logger.Warn("Lease lost, discarding job result")
		return
	}
	if ctx.Err() != nil {
		// Shutting down, the lease expires and the trigger is retried elsewhere.
		return
	}

	now := clustercore.ToMicros(clock.FromContext(ctx).Now())
	switch {
	case err != nil:
		logger.WithError(err).Warn("Job failed")
		next := *t
		next.Status = clustercore.TriggerWaiting
		next.Retries++
		next.NextRunAt = now.Add(r.config.JobRunTimeout)
		r.sink.UpdateTrigger(&next)
	case res.Done:
		r.sink.UpdateStatus(clustercore.TriggerStatusUpdate{
			Key:     t.Key(),
			Status:  clustercore.TriggerCompleted,
			Retries: t.Retries,
			Data:    res.Data,
		})
	default:
		next := *t
		next.Status = clustercore.TriggerWaiting
		next.Retries = 0
		next.NextRunAt = clustercore.ToMicros(res.NextRunAt)
		if res.Data != nil {
			next.Data = *res.Data
		}
		r.sink.UpdateTrigger(&next)
	}
}

func (r *Runner) handle(ctx context.Context, t *clustercore.Trigger) (Result, error) {
	h, ok := r.handlers[t.Module]
	if !ok {
		return Result{}, fmt.Errorf("no handler for module %s", t.Module)
	}
	return h.Handle(ctx, t)
}

// keepAlive renews the lease at half its length until ctx is done.  Returns true if the lease was
// lost.
func (r *Runner) keepAlive(ctx context.Context, logger logrus.FieldLogger, t *clustercore.Trigger) bool {
	lease := leaseFor(t.Module, r.config.AlertTimeout, r.config.ReportTimeout)
	tckr := clock.NewTicker(ctx, lease/2)
	defer tckr.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-tckr.C:
			err := r.store.KeepAlive(ctx, []int64{t.ID}, r.config.AlertTimeout, r.config.ReportTimeout)
			if errors.Is(err, clustercore.ErrLeaseExpiredOrRevoked) {
				return true
			}
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("Failed to renew lease")
			}
		}
	}
}
