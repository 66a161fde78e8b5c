package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/pkg/coordinator"
	"github.com/clustercore/clustercore/pkg/stats"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the scheduler, runner and batch pipeline settings.
type Config struct {
	TriggerPrefix        string
	AlertTimeout         time.Duration
	ReportTimeout        time.Duration
	JobRunTimeout        time.Duration
	MaxRetries           int
	MaxRetriesInclusive  bool
	PullInterval         time.Duration
	PullConcurrency      int
	DispatchRate         float64
	WatchTimeoutInterval time.Duration
	CleanInterval        time.Duration
	BatchMaxSize         int
	BatchMaxWait         time.Duration
	MaxEventPayloadSize  int
}

// NewConfigFromViper reads and validates the scheduler settings.
func NewConfigFromViper(v *viper.Viper) (Config, error) {
	v.SetDefault(clustercore.ParamSchedulerTriggerPrefix, clustercore.DefaultSchedulerTriggerPrefix)
	v.SetDefault(clustercore.ParamSchedulerAlertTimeout, clustercore.DefaultSchedulerAlertTimeout)
	v.SetDefault(clustercore.ParamSchedulerReportTimeout, clustercore.DefaultSchedulerReportTimeout)
	v.SetDefault(clustercore.ParamJobRunTimeout, clustercore.DefaultJobRunTimeout)
	v.SetDefault(clustercore.ParamSchedulerMaxRetries, clustercore.DefaultSchedulerMaxRetries)
	v.SetDefault(clustercore.ParamSchedulerMaxRetriesInclusive, clustercore.DefaultSchedulerMaxRetriesInclusive)
	v.SetDefault(clustercore.ParamSchedulerPullInterval, clustercore.DefaultSchedulerPullInterval)
	v.SetDefault(clustercore.ParamSchedulerPullConcurrency, clustercore.DefaultSchedulerPullConcurrency)
	v.SetDefault(clustercore.ParamSchedulerDispatchRate, clustercore.DefaultSchedulerDispatchRate)
	v.SetDefault(clustercore.ParamSchedulerWatchTimeoutInterval, clustercore.DefaultSchedulerWatchTimeoutInterval)
	v.SetDefault(clustercore.ParamSchedulerCleanInterval, clustercore.DefaultSchedulerCleanInterval)
	v.SetDefault(clustercore.ParamBatchMaxSize, clustercore.DefaultBatchMaxSize)
	v.SetDefault(clustercore.ParamBatchMaxWait, clustercore.DefaultBatchMaxWait)
	v.SetDefault(clustercore.ParamBatchMaxEventPayloadSize, clustercore.DefaultBatchMaxEventPayloadSize)

	config := Config{
		TriggerPrefix:        v.GetString(clustercore.ParamSchedulerTriggerPrefix),
		AlertTimeout:         v.GetDuration(clustercore.ParamSchedulerAlertTimeout),
		ReportTimeout:        v.GetDuration(clustercore.ParamSchedulerReportTimeout),
		JobRunTimeout:        v.GetDuration(clustercore.ParamJobRunTimeout),
		MaxRetries:           v.GetInt(clustercore.ParamSchedulerMaxRetries),
		MaxRetriesInclusive:  v.GetBool(clustercore.ParamSchedulerMaxRetriesInclusive),
		PullInterval:         v.GetDuration(clustercore.ParamSchedulerPullInterval),
		PullConcurrency:      v.GetInt(clustercore.ParamSchedulerPullConcurrency),
		DispatchRate:         v.GetFloat64(clustercore.ParamSchedulerDispatchRate),
		WatchTimeoutInterval: v.GetDuration(clustercore.ParamSchedulerWatchTimeoutInterval),
		CleanInterval:        v.GetDuration(clustercore.ParamSchedulerCleanInterval),
		BatchMaxSize:         v.GetInt(clustercore.ParamBatchMaxSize),
		BatchMaxWait:         v.GetDuration(clustercore.ParamBatchMaxWait),
		MaxEventPayloadSize:  v.GetInt(clustercore.ParamBatchMaxEventPayloadSize),
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate rejects settings the loops cannot run with, tickers need positive periods.
func (c Config) Validate() error {
	for param, d := range map[string]time.Duration{
		clustercore.ParamSchedulerAlertTimeout:         c.AlertTimeout,
		clustercore.ParamSchedulerReportTimeout:        c.ReportTimeout,
		clustercore.ParamJobRunTimeout:                 c.JobRunTimeout,
		clustercore.ParamSchedulerPullInterval:         c.PullInterval,
		clustercore.ParamSchedulerWatchTimeoutInterval: c.WatchTimeoutInterval,
		clustercore.ParamSchedulerCleanInterval:        c.CleanInterval,
		clustercore.ParamBatchMaxWait:                  c.BatchMaxWait,
	} {
		if d <= 0 {
			return errors.New(param + " must be positive")
		}
	}
	if c.PullConcurrency <= 0 {
		return errors.New(clustercore.ParamSchedulerPullConcurrency + " must be positive")
	}
	if c.BatchMaxSize <= 0 {
		return errors.New(clustercore.ParamBatchMaxSize + " must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New(clustercore.ParamSchedulerMaxRetries + " must be zero or positive")
	}
	if c.DispatchRate < 0 {
		return errors.New(clustercore.ParamSchedulerDispatchRate + " must be zero or positive")
	}
	if c.MaxEventPayloadSize < 0 {
		return errors.New(clustercore.ParamBatchMaxEventPayloadSize + " must be zero or positive")
	}
	return nil
}

// Scheduler is a Store which also announces alert changes on the coordinator, so realtime alert
// evaluators on other nodes do not wait for their own poll.  Announcements are best effort, a
// failure is logged and the store operation still succeeds.
type Scheduler struct {
	logger  logrus.FieldLogger
	store   Store
	coord   coordinator.Coordinator
	metrics *stats.SchedulerMetrics
	prefix  string
}

var _ Store = (*Scheduler)(nil)

// NewScheduler wraps the store.  A nil coordinator disables announcements.
func NewScheduler(logger logrus.FieldLogger, store Store, coord coordinator.Coordinator, metrics *stats.SchedulerMetrics, triggerPrefix string) *Scheduler {
	return &Scheduler{
		logger:  logger,
		store:   store,
		coord:   coord,
		metrics: metrics,
		prefix:  triggerPrefix,
	}
}

// NotificationKey returns the coordinator key announcing changes of the trigger.
func NotificationKey(prefix string, key clustercore.TriggerKey) string {
	return strings.TrimSuffix(prefix, "/") + "/" + key.String()
}

func (s *Scheduler) announce(ctx context.Context, t *clustercore.Trigger) {
	if s.coord == nil || !t.IsRealtimeAlert() {
		return
	}
	value, err := json.Marshal(t)
	if err == nil {
		err = s.coord.Put(ctx, NotificationKey(s.prefix, t.Key()), value, 0)
	}
	if err != nil {
		s.logger.WithError(err).WithField("trigger", t.Key().String()).Warn("Failed to announce realtime alert")
	}
}

// announceKey announces a status-only change, which needs the row to know if it is realtime.
func (s *Scheduler) announceKey(ctx context.Context, key clustercore.TriggerKey) {
	if s.coord == nil || key.Module != clustercore.ModuleAlert {
		return
	}
	t, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, clustercore.ErrKeyNotExists) {
			s.logger.WithError(err).WithField("trigger", key.String()).Warn("Failed to read alert for announcement")
		}
		return
	}
	s.announce(ctx, t)
}

func (s *Scheduler) Push(ctx context.Context, t *clustercore.Trigger) error {
	err := s.store.Push(ctx, t)
	s.metrics.Observe("push", err)
	if err != nil {
		return err
	}
	s.announce(ctx, t)
	return nil
}

func (s *Scheduler) Pull(ctx context.Context, concurrency int, alertTimeout, reportTimeout time.Duration) ([]*clustercore.Trigger, error) {
	ts, err := s.store.Pull(ctx, concurrency, alertTimeout, reportTimeout)
	s.metrics.Observe("pull", err)
	for _, t := range ts {
		s.metrics.Pulled.WithLabelValues(t.Module.String()).Inc()
	}
	return ts, err
}

func (s *Scheduler) KeepAlive(ctx context.Context, ids []int64, alertTimeout, reportTimeout time.Duration) error {
	err := s.store.KeepAlive(ctx, ids, alertTimeout, reportTimeout)
	s.metrics.Observe("keep_alive", err)
	return err
}

func (s *Scheduler) UpdateStatus(ctx context.Context, u clustercore.TriggerStatusUpdate) error {
	err := s.store.UpdateStatus(ctx, u)
	s.metrics.Observe("update_status", err)
	if err != nil {
		return err
	}
	s.announceKey(ctx, u.Key)
	return nil
}

func (s *Scheduler) UpdateTrigger(ctx context.Context, t *clustercore.Trigger) error {
	err := s.store.UpdateTrigger(ctx, t)
	s.metrics.Observe("update_trigger", err)
	if err != nil {
		return err
	}
	s.announce(ctx, t)
	return nil
}

func (s *Scheduler) BulkUpdateStatus(ctx context.Context, us []clustercore.TriggerStatusUpdate) error {
	err := s.store.BulkUpdateStatus(ctx, us)
	s.metrics.Observe("bulk_update_status", err)
	if err != nil {
		return err
	}
	for _, u := range us {
		s.announceKey(ctx, u.Key)
	}
	return nil
}

func (s *Scheduler) BulkUpdateTriggers(ctx context.Context, ts []*clustercore.Trigger) error {
	err := s.store.BulkUpdateTriggers(ctx, ts)
	s.metrics.Observe("bulk_update_triggers", err)
	if err != nil {
		return err
	}
	for _, t := range ts {
		s.announce(ctx, t)
	}
	return nil
}

func (s *Scheduler) Delete(ctx context.Context, key clustercore.TriggerKey) error {
	err := s.store.Delete(ctx, key)
	s.metrics.Observe("delete", err)
	if err != nil {
		return err
	}
	if s.coord != nil && key.Module == clustercore.ModuleAlert {
		if err := s.coord.Delete(ctx, NotificationKey(s.prefix, key)); err != nil {
			s.logger.WithError(err).WithField("trigger", key.String()).Warn("Failed to announce alert removal")
		}
	}
	return nil
}

func (s *Scheduler) WatchTimeout(ctx context.Context) (int64, error) {
	n, err := s.store.WatchTimeout(ctx)
	s.metrics.Observe("watch_timeout", err)
	s.metrics.Reclaimed.Add(float64(n))
	return n, err
}

func (s *Scheduler) CleanComplete(ctx context.Context, maxRetries int, inclusive bool, exempt []clustercore.Module) (int64, error) {
	n, err := s.store.CleanComplete(ctx, maxRetries, inclusive, exempt)
	s.metrics.Observe("clean_complete", err)
	s.metrics.Cleaned.Add(float64(n))
	return n, err
}

func (s *Scheduler) Len(ctx context.Context) (int64, error) {
	return s.store.Len(ctx)
}

func (s *Scheduler) LenModule(ctx context.Context, module clustercore.Module) (int64, error) {
	return s.store.LenModule(ctx, module)
}

func (s *Scheduler) List(ctx context.Context, module *clustercore.Module) ([]*clustercore.Trigger, error) {
	return s.store.List(ctx, module)
}

func (s *Scheduler) ListByOrg(ctx context.Context, org string, module *clustercore.Module) ([]*clustercore.Trigger, error) {
	return s.store.ListByOrg(ctx, org, module)
}

func (s *Scheduler) Get(ctx context.Context, key clustercore.TriggerKey) (*clustercore.Trigger, error) {
	return s.store.Get(ctx, key)
}

func (s *Scheduler) Close() error {
	return s.store.Close()
}
