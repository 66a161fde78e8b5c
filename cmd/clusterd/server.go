package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ash2k/stager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/pkg/cluster/nodes"
	"github.com/clustercore/clustercore/pkg/coordinator"
	"github.com/clustercore/clustercore/pkg/healthcheck"
	"github.com/clustercore/clustercore/pkg/scheduler"
	"github.com/clustercore/clustercore/pkg/stats"
	"github.com/clustercore/clustercore/pkg/transport"
	"github.com/clustercore/clustercore/pkg/util"
	"github.com/clustercore/clustercore/pkg/web"
)

// Server is a single cluster node: membership, the scheduler and the web server.
type Server struct {
	logger     logrus.FieldLogger
	coord      coordinator.Coordinator
	cluster    *nodes.Cluster
	scheduler  *scheduler.Scheduler
	replicator *scheduler.CoordinatorReplicator
	batcher    *scheduler.Batcher
	jobs       []clustercore.Runnable // sweeper, runner and handlers, AlertManager nodes only
	web        clustercore.Runnable
}

func constructServer(ctx context.Context, v *viper.Viper, logger logrus.FieldLogger) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	coord, err := coordinator.NewFromViper(v, logger)
	if err != nil {
		return nil, err
	}
	s := &Server{
		logger: logger,
		coord:  coord,
	}

	self, err := nodes.NewSelfFromViper(v, Version)
	if err != nil {
		s.Close()
		return nil, err
	}
	logger = logger.WithFields(logrus.Fields{
		"node": self.Name,
		"uuid": self.UUID,
	})
	s.logger = logger

	retry, err := util.GetRetryFromViper(v)
	if err != nil {
		s.Close()
		return nil, err
	}
	probeClient, err := transport.NewClientPool(logger, v).Get(transport.ClientProbe)
	if err != nil {
		s.Close()
		return nil, err
	}
	clusterConfig, err := nodes.NewConfigFromViper(v)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.cluster = nodes.NewCluster(
		logger,
		coord,
		self,
		clusterConfig,
		nodes.NewHTTPProber(probeClient.Client),
		nodes.NewSystemMetrics("/proc"),
		stats.NewClusterMetrics(reg),
		retry,
	)

	config, err := scheduler.NewConfigFromViper(v)
	if err != nil {
		s.Close()
		return nil, err
	}
	store, err := scheduler.NewSQLStoreFromViper(ctx, v, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.scheduler = scheduler.NewScheduler(logger, store, coord, stats.NewSchedulerMetrics(reg), config.TriggerPrefix)

	batchMetrics := stats.NewBatchMetrics(reg)
	s.replicator = scheduler.NewCoordinatorReplicator(logger, coord, batchMetrics, config.MaxEventPayloadSize)
	s.batcher = scheduler.NewBatcher(logger, s.scheduler, s.replicator, batchMetrics, config.BatchMaxSize, config.BatchMaxWait)

	if self.HasRole(clustercore.RoleAlertManager) {
		interval := scheduler.NewIntervalHandler(logger)
		handlers := map[clustercore.Module]scheduler.Handler{
			clustercore.ModuleReport:              interval,
			clustercore.ModuleAlert:               interval,
			clustercore.ModuleDerivedStream:       interval,
			clustercore.ModuleQueryRecommendation: interval,
		}
		s.jobs = clustercore.MaybeAppendRunnable(s.jobs, scheduler.NewSweeper(logger, s.scheduler, config))
		s.jobs = clustercore.MaybeAppendRunnable(s.jobs, scheduler.NewRunner(logger, s.scheduler, s.batcher, handlers, config))
		// Handlers with background work of their own run alongside the runner.
		started := map[scheduler.Handler]bool{}
		for _, h := range handlers {
			if !started[h] {
				started[h] = true
				s.jobs = clustercore.MaybeAppendRunnable(s.jobs, h)
			}
		}
	}

	var healthChecks, deepChecks []healthcheck.HealthcheckFunc
	healthChecks, deepChecks = healthcheck.MaybeAppendHealthChecks(healthChecks, deepChecks, s.cluster)
	hs, err := web.NewHttpServerFromViper(v, logger, web.Dependencies{
		Cluster:      s.cluster,
		Triggers:     s.scheduler,
		Gatherer:     reg,
		HealthChecks: healthChecks,
		DeepChecks:   deepChecks,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.web = hs.Run

	return s, nil
}

// Run starts every component and blocks until the context is done.  Components stop in reverse
// order: jobs first, then the batcher flushes, and the node leaves the cluster last.
func (s *Server) Run(ctx context.Context) error {
	stgr := stager.New()
	defer stgr.Shutdown()

	stage := stgr.NextStage()
	stage.StartWithContext(s.web)
	stage.StartWithContext(s.cluster.WatchNodeList)
	stage.StartWithContext(s.cluster.RunHeartbeat)
	stage.StartWithContext(s.cluster.RunHealthCheck)

	stage = stgr.NextStage()
	stage.StartWithContext(s.batcher.Run)
	stage.StartWithContext(s.consumeEvents)

	if len(s.jobs) > 0 {
		stage = stgr.NextStage()
		for _, job := range s.jobs {
			stage.StartWithContext(job)
		}
		s.logger.Info("Running scheduled jobs")
	}

	<-ctx.Done()
	return ctx.Err()
}

// consumeEvents drains the trigger changes replicated by peers.  It only observes them: nothing is
// cached from the events, they are counted by the replicator and logged here.
func (s *Server) consumeEvents(ctx context.Context) {
	events, err := s.replicator.Subscribe(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to subscribe to trigger events")
		return
	}
	for chunk := range events {
		for _, ev := range chunk {
			s.logger.WithFields(logrus.Fields{
				"trigger":     ev.Key.String(),
				"full_update": ev.Trigger != nil,
			}).Debug("Trigger replicated")
		}
	}
}

// Close releases the store and the coordinator.
func (s *Server) Close() {
	var errs []error
	if s.scheduler != nil {
		if err := s.scheduler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := s.coord.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close coordinator: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.WithError(err).Warn("Shutdown incomplete")
	}
}
