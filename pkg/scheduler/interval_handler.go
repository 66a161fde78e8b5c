package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/clustercore/clustercore"
)

// IntervalSchedule is the trigger payload understood by IntervalHandler.
type IntervalSchedule struct {
	// Interval in time.ParseDuration form.  Empty runs the trigger once.
	Interval string `json:"interval,omitempty"`
}

// IntervalHandler fires triggers on the fixed interval of their payload.  Runs missed while no node
// held the trigger are skipped, the next run stays on the original grid.
type IntervalHandler struct {
	logger logrus.FieldLogger
}

func NewIntervalHandler(logger logrus.FieldLogger) *IntervalHandler {
	return &IntervalHandler{logger: logger}
}

func (h *IntervalHandler) Handle(ctx context.Context, t *clustercore.Trigger) (Result, error) {
	var schedule IntervalSchedule
	if t.Data != "" {
		if err := json.UnmarshalFromString(t.Data, &schedule); err != nil {
			return Result{}, fmt.Errorf("decode schedule: %w", err)
		}
	}
	logger := h.logger.WithFields(logrus.Fields{
		"trigger": t.Key().String(),
		"retries": t.Retries,
	})
	if schedule.Interval == "" {
		logger.Info("Fired")
		return Result{Done: true}, nil
	}
	interval, err := time.ParseDuration(schedule.Interval)
	if err != nil {
		return Result{}, fmt.Errorf("decode schedule: %w", err)
	}
	if interval <= 0 {
		return Result{}, fmt.Errorf("decode schedule: interval must be positive, got %s", interval)
	}

	now := clock.FromContext(ctx).Now()
	next := t.NextRunAt.Time().Add(interval)
	if !next.After(now) {
		missed := now.Sub(next)/interval + 1
		next = next.Add(missed * interval)
	}
	logger.WithField("next_run_at", next).Info("Fired")
	return Result{NextRunAt: next}, nil
}
