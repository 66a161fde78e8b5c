package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tilinna/clock"

	"github.com/clustercore/clustercore"
)

const (
	table         = "scheduled_jobs"
	selectColumns = "id, org, module, module_key, is_realtime, is_silenced, status, start_time, end_time, retries, next_run_at, created_at, data"
)

var insertColumns = []string{
	"org", "module", "module_key", "is_realtime", "is_silenced", "status",
	"start_time", "end_time", "retries", "next_run_at", "created_at", "data",
}

// SQLStore is a Store backed by database/sql.
type SQLStore struct {
	logger   logrus.FieldLogger
	db       *sql.DB
	dialect  dialect
	lockWait time.Duration
}

var _ Store = (*SQLStore)(nil)

// NewSQLStoreFromViper opens the store configured by the scheduler-db-* parameters.
func NewSQLStoreFromViper(ctx context.Context, v *viper.Viper, logger logrus.FieldLogger) (*SQLStore, error) {
	v.SetDefault(clustercore.ParamSchedulerDBDriver, clustercore.DefaultSchedulerDBDriver)
	v.SetDefault(clustercore.ParamSchedulerDBDSN, clustercore.DefaultSchedulerDBDSN)
	v.SetDefault(clustercore.ParamSchedulerLockWait, clustercore.DefaultSchedulerLockWait)

	return NewSQLStore(
		ctx,
		logger,
		v.GetString(clustercore.ParamSchedulerDBDriver),
		v.GetString(clustercore.ParamSchedulerDBDSN),
		v.GetDuration(clustercore.ParamSchedulerLockWait),
	)
}

// NewSQLStore opens the database and creates the schema if it is missing.  driver is one of sqlite,
// mysql or postgres.
func NewSQLStore(ctx context.Context, logger logrus.FieldLogger, driver, dsn string, lockWait time.Duration) (*SQLStore, error) {
	d, err := newDialect(driver)
	if err != nil {
		return nil, err
	}
	dsn, err = d.prepareDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid %s dsn: %w", driver, err)
	}
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, err
	}
	d.configure(db)
	s := &SQLStore{
		logger:   logger.WithField("driver", driver),
		db:       db,
		dialect:  d,
		lockWait: lockWait,
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("migrate", err)
		}
	}
	s.logger.Debug("Scheduler schema ready")
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: scheduler %s: %v", clustercore.ErrCoordinatorUnavailable, op, err)
}

func now(ctx context.Context) clustercore.Micros {
	return clustercore.ToMicros(clock.FromContext(ctx).Now())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrigger(r rowScanner) (*clustercore.Trigger, error) {
	var (
		t              clustercore.Trigger
		module, status int
	)
	err := r.Scan(&t.ID, &t.Org, &module, &t.ModuleKey, &t.IsRealtime, &t.IsSilenced, &status,
		&t.StartTime, &t.EndTime, &t.Retries, &t.NextRunAt, &t.CreatedAt, &t.Data)
	if err != nil {
		return nil, err
	}
	if t.Module, err = clustercore.ModuleFromInt(module); err != nil {
		return nil, err
	}
	if t.Status, err = clustercore.TriggerStatusFromInt(status); err != nil {
		return nil, err
	}
	return &t, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLStore) queryTriggers(ctx context.Context, q querier, op, query string, args ...interface{}) ([]*clustercore.Trigger, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	var out []*clustercore.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *SQLStore) Push(ctx context.Context, t *clustercore.Trigger) error {
	createdAt := t.CreatedAt
	if createdAt == 0 {
		createdAt = now(ctx)
	}
	_, err := s.db.ExecContext(ctx, s.dialect.insertIgnore(table, insertColumns),
		t.Org, t.Module.Int(), t.ModuleKey, t.IsRealtime, t.IsSilenced, clustercore.TriggerWaiting.Int(),
		int64(t.StartTime), int64(t.EndTime), t.Retries, int64(t.NextRunAt), int64(createdAt), t.Data)
	if err != nil {
		return unavailable("push", err)
	}
	return nil
}

func (s *SQLStore) Pull(ctx context.Context, concurrency int, alertTimeout, reportTimeout time.Duration) (_ []*clustercore.Trigger, retErr error) {
	if concurrency <= 0 {
		return nil, nil
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, unavailable("pull", err)
	}
	defer conn.Close()

	if s.dialect.lockBeforeTx() {
		unlock, err := s.dialect.lock(ctx, conn, nil, PullLockName, s.lockWait)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("pull", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if !s.dialect.lockBeforeTx() {
		if _, err := s.dialect.lock(ctx, conn, tx, PullLockName, s.lockWait); err != nil {
			return nil, err
		}
	}

	ts := now(ctx)
	rows, err := tx.QueryContext(ctx, s.q(`SELECT id FROM `+table+`
		WHERE status = ? AND next_run_at <= ? AND NOT (is_realtime AND is_silenced)
		ORDER BY next_run_at, id LIMIT ?`),
		clustercore.TriggerWaiting.Int(), int64(ts), concurrency)
	if err != nil {
		return nil, unavailable("pull", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, unavailable("pull", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable("pull", err)
	}
	if len(ids) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, unavailable("pull", err)
		}
		return nil, nil
	}

	for _, alert := range []bool{true, false} {
		moduleCond := "module = ?"
		if !alert {
			moduleCond = "module <> ?"
		}
		lease := reportTimeout
		if alert {
			lease = alertTimeout
		}
		args := append([]interface{}{clustercore.TriggerProcessing.Int(), int64(ts), int64(ts.Add(lease)), clustercore.ModuleAlert.Int()}, int64Args(ids)...)
		_, err := tx.ExecContext(ctx, s.q(`UPDATE `+table+` SET status = ?, start_time = ?, end_time = ?
			WHERE `+moduleCond+` AND id IN (`+placeholders(len(ids))+`)`), args...)
		if err != nil {
			return nil, unavailable("pull", err)
		}
	}

	claimed, err := s.queryTriggers(ctx, tx, "pull",
		`SELECT `+selectColumns+` FROM `+table+` WHERE id IN (`+placeholders(len(ids))+`) ORDER BY next_run_at, id`,
		int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("pull", err)
	}
	return claimed, nil
}

func (s *SQLStore) KeepAlive(ctx context.Context, ids []int64, alertTimeout, reportTimeout time.Duration) (retErr error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("keep alive", err)
	}
	defer func() {
		if retErr != nil && !errors.Is(retErr, clustercore.ErrLeaseExpiredOrRevoked) {
			_ = tx.Rollback()
		}
	}()

	ts := now(ctx)
	var extended int64
	for _, alert := range []bool{true, false} {
		moduleCond := "module = ?"
		if !alert {
			moduleCond = "module <> ?"
		}
		args := append([]interface{}{int64(ts.Add(leaseFor(moduleFor(alert), alertTimeout, reportTimeout))),
			clustercore.TriggerProcessing.Int(), int64(ts), clustercore.ModuleAlert.Int()}, int64Args(ids)...)
		res, err := tx.ExecContext(ctx, s.q(`UPDATE `+table+` SET end_time = ?
			WHERE status = ? AND end_time > ? AND `+moduleCond+` AND id IN (`+placeholders(len(ids))+`)`), args...)
		if err != nil {
			return unavailable("keep alive", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("keep alive", err)
		}
		extended += n
	}
	if err := tx.Commit(); err != nil {
		return unavailable("keep alive", err)
	}
	if extended < int64(len(ids)) {
		return fmt.Errorf("%w: %d of %d leases lost", clustercore.ErrLeaseExpiredOrRevoked, int64(len(ids))-extended, len(ids))
	}
	return nil
}

func moduleFor(alert bool) clustercore.Module {
	if alert {
		return clustercore.ModuleAlert
	}
	return clustercore.ModuleReport
}

func (s *SQLStore) Delete(ctx context.Context, key clustercore.TriggerKey) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE org = ? AND module = ? AND module_key = ?`),
		key.Org, key.Module.Int(), key.ModuleKey)
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLStore) updateStatus(ctx context.Context, e execer, u clustercore.TriggerStatusUpdate) (int64, error) {
	set := "status = ?, retries = ?"
	args := []interface{}{u.Status.Int(), u.Retries}
	if u.Data != nil {
		set += ", data = ?"
		args = append(args, *u.Data)
	}
	args = append(args, u.Key.Org, u.Key.Module.Int(), u.Key.ModuleKey)
	res, err := e.ExecContext(ctx, s.q(`UPDATE `+table+` SET `+set+` WHERE org = ? AND module = ? AND module_key = ?`), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) updateTrigger(ctx context.Context, e execer, t *clustercore.Trigger) (int64, error) {
	res, err := e.ExecContext(ctx, s.q(`UPDATE `+table+` SET
		is_realtime = ?, is_silenced = ?, status = ?, start_time = ?, end_time = ?, retries = ?, next_run_at = ?, data = ?
		WHERE org = ? AND module = ? AND module_key = ?`),
		t.IsRealtime, t.IsSilenced, t.Status.Int(), int64(t.StartTime), int64(t.EndTime), t.Retries, int64(t.NextRunAt), t.Data,
		t.Org, t.Module.Int(), t.ModuleKey)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) UpdateStatus(ctx context.Context, u clustercore.TriggerStatusUpdate) error {
	n, err := s.updateStatus(ctx, s.db, u)
	if err != nil {
		return unavailable("update status", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: trigger %s", clustercore.ErrKeyNotExists, u.Key)
	}
	return nil
}

func (s *SQLStore) UpdateTrigger(ctx context.Context, t *clustercore.Trigger) error {
	n, err := s.updateTrigger(ctx, s.db, t)
	if err != nil {
		return unavailable("update trigger", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: trigger %s", clustercore.ErrKeyNotExists, t.Key())
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, op string, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *SQLStore) BulkUpdateStatus(ctx context.Context, us []clustercore.TriggerStatusUpdate) error {
	if len(us) == 0 {
		return nil
	}
	return s.inTx(ctx, "bulk update status", func(tx *sql.Tx) error {
		for _, u := range us {
			if _, err := s.updateStatus(ctx, tx, u); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) BulkUpdateTriggers(ctx context.Context, ts []*clustercore.Trigger) error {
	if len(ts) == 0 {
		return nil
	}
	return s.inTx(ctx, "bulk update triggers", func(tx *sql.Tx) error {
		for _, t := range ts {
			if _, err := s.updateTrigger(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) WatchTimeout(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE `+table+` SET status = ?, retries = retries + 1
		WHERE status = ? AND end_time <= ?`),
		clustercore.TriggerWaiting.Int(), clustercore.TriggerProcessing.Int(), int64(now(ctx)))
	if err != nil {
		return 0, unavailable("watch timeout", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("watch timeout", err)
	}
	return n, nil
}

func (s *SQLStore) CleanComplete(ctx context.Context, maxRetries int, inclusive bool, exempt []clustercore.Module) (int64, error) {
	cmp := ">"
	if inclusive {
		cmp = ">="
	}
	// Exempt modules are only spared the retry ceiling, completed rows always go.
	retried := `retries ` + cmp + ` ?`
	args := []interface{}{clustercore.TriggerCompleted.Int(), maxRetries}
	if len(exempt) > 0 {
		retried += ` AND module NOT IN (` + placeholders(len(exempt)) + `)`
		for _, m := range exempt {
			args = append(args, m.Int())
		}
	}
	query := `DELETE FROM ` + table + ` WHERE status = ? OR (` + retried + `)`
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, unavailable("clean complete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("clean complete", err)
	}
	return n, nil
}

func (s *SQLStore) count(ctx context.Context, op, where string, args ...interface{}) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM `+table+where), args...).Scan(&n); err != nil {
		return 0, unavailable(op, err)
	}
	return n, nil
}

func (s *SQLStore) Len(ctx context.Context) (int64, error) {
	return s.count(ctx, "len", "")
}

func (s *SQLStore) LenModule(ctx context.Context, module clustercore.Module) (int64, error) {
	return s.count(ctx, "len", " WHERE module = ?", module.Int())
}

func (s *SQLStore) List(ctx context.Context, module *clustercore.Module) ([]*clustercore.Trigger, error) {
	var conds []string
	var args []interface{}
	if module != nil {
		conds = append(conds, "module = ?")
		args = append(args, module.Int())
	}
	return s.list(ctx, conds, args)
}

func (s *SQLStore) ListByOrg(ctx context.Context, org string, module *clustercore.Module) ([]*clustercore.Trigger, error) {
	conds := []string{"org = ?"}
	args := []interface{}{org}
	if module != nil {
		conds = append(conds, "module = ?")
		args = append(args, module.Int())
	}
	return s.list(ctx, conds, args)
}

func (s *SQLStore) list(ctx context.Context, conds []string, args []interface{}) ([]*clustercore.Trigger, error) {
	query := `SELECT ` + selectColumns + ` FROM ` + table
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	return s.queryTriggers(ctx, s.db, "list", query+` ORDER BY id`, args...)
}

func (s *SQLStore) Get(ctx context.Context, key clustercore.TriggerKey) (*clustercore.Trigger, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+selectColumns+` FROM `+table+` WHERE org = ? AND module = ? AND module_key = ?`),
		key.Org, key.Module.Int(), key.ModuleKey)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: trigger %s", clustercore.ErrKeyNotExists, key)
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return t, nil
}
