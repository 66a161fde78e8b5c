package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/internal/util"
)

// Sweeper reclaims expired leases and purges finished triggers on aligned intervals.  Both passes
// are idempotent, so every node may run a Sweeper against the same store.
type Sweeper struct {
	logger               logrus.FieldLogger
	store                Store
	watchTimeoutInterval time.Duration
	cleanInterval        time.Duration
	maxRetries           int
	inclusive            bool
	exempt               []clustercore.Module
}

func NewSweeper(logger logrus.FieldLogger, store Store, config Config) *Sweeper {
	return &Sweeper{
		logger:               logger,
		store:                store,
		watchTimeoutInterval: config.WatchTimeoutInterval,
		cleanInterval:        config.CleanInterval,
		maxRetries:           config.MaxRetries,
		inclusive:            config.MaxRetriesInclusive,
		exempt:               DefaultExemptModules,
	}
}

// Run runs both passes until the context is done.
func (s *Sweeper) Run(ctx context.Context) {
	watch := util.NewAlignedTicker(ctx, s.watchTimeoutInterval, 0)
	defer watch.Stop()
	clean := util.NewAlignedTicker(ctx, s.cleanInterval, 0)
	defer clean.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-watch.C:
			s.watchTimeout(ctx)
		case <-clean.C:
			s.clean(ctx)
		}
	}
}

func (s *Sweeper) watchTimeout(ctx context.Context) {
	n, err := s.store.WatchTimeout(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to reclaim expired leases")
		return
	}
	if n > 0 {
		s.logger.WithField("count", n).Info("Reclaimed triggers with expired leases")
	}
}

func (s *Sweeper) clean(ctx context.Context) {
	n, err := s.store.CleanComplete(ctx, s.maxRetries, s.inclusive, s.exempt)
	if err != nil {
		s.logger.WithError(err).Error("Failed to purge finished triggers")
		return
	}
	if n > 0 {
		s.logger.WithField("count", n).Info("Purged finished triggers")
	}
}
