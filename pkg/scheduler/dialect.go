package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	_ "github.com/mattn/go-sqlite3"    // registers the sqlite3 driver
	"github.com/tilinna/clock"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/pkg/util"
)

const pgLockPollInterval = 50 * time.Millisecond

// dialect isolates the SQL differences between the supported databases.
type dialect interface {
	// driverName is the database/sql driver.
	driverName() string
	// prepareDSN adjusts the DSN before opening.
	prepareDSN(dsn string) (string, error)
	// configure tunes the pool once opened.
	configure(db *sql.DB)
	schema() []string
	// rebind rewrites ? placeholders.
	rebind(query string) string
	// insertIgnore returns an insert which silently skips natural key conflicts.
	insertIgnore(table string, columns []string) string
	// lock takes the named lock for the duration of a claim transaction, waiting at most wait.
	// tx is nil when lockBeforeTx is true.  The returned function releases the lock after the
	// transaction is finished.
	lock(ctx context.Context, conn *sql.Conn, tx *sql.Tx, name string, wait time.Duration) (unlock func(), err error)
	// lockBeforeTx is true if lock must be called before the transaction starts.
	lockBeforeTx() bool
}

func newDialect(driver string) (dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return &sqliteDialect{sem: util.NewSemaphore(1)}, nil
	case "mysql":
		return mysqlDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler store driver %q", driver)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func lockTimeout(name string, wait time.Duration) error {
	return fmt.Errorf("%w: %s not acquired within %s", clustercore.ErrLockAcquisitionFailed, name, wait)
}

// sqliteDialect serializes claims within the process.  Writers in other processes are excluded by
// sqlite itself, claims run in immediate transactions.
type sqliteDialect struct {
	sem util.Semaphore
}

func (d *sqliteDialect) driverName() string { return "sqlite3" }

func (d *sqliteDialect) prepareDSN(dsn string) (string, error) {
	if !strings.Contains(dsn, "_txlock=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_txlock=immediate"
	}
	return dsn, nil
}

func (d *sqliteDialect) configure(db *sql.DB) {
	db.SetMaxOpenConns(1)
}

func (d *sqliteDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			org VARCHAR(256) NOT NULL,
			module INTEGER NOT NULL,
			module_key VARCHAR(256) NOT NULL,
			is_realtime BOOLEAN NOT NULL DEFAULT FALSE,
			is_silenced BOOLEAN NOT NULL DEFAULT FALSE,
			status INTEGER NOT NULL,
			start_time BIGINT NOT NULL DEFAULT 0,
			end_time BIGINT NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			next_run_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS scheduled_jobs_key_idx ON scheduled_jobs (org, module, module_key)`,
		`CREATE INDEX IF NOT EXISTS scheduled_jobs_status_next_run_idx ON scheduled_jobs (status, next_run_at)`,
	}
}

func (d *sqliteDialect) rebind(query string) string { return query }

func (d *sqliteDialect) insertIgnore(table string, columns []string) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders(len(columns)))
}

func (d *sqliteDialect) lockBeforeTx() bool { return true }

func (d *sqliteDialect) lock(ctx context.Context, conn *sql.Conn, tx *sql.Tx, name string, wait time.Duration) (func(), error) {
	if err := d.sem.AcquireWithin(ctx, wait); err != nil {
		if errors.Is(err, util.ErrSemaphoreTimeout) {
			return nil, lockTimeout(name, wait)
		}
		return nil, err
	}
	return d.sem.Release, nil
}

// mysqlDialect uses a session level GET_LOCK on the connection the transaction runs on.
type mysqlDialect struct{}

func (mysqlDialect) driverName() string { return "mysql" }

// prepareDSN makes affected rows count matched rows, so a keep alive which does not change
// end_time still counts.
func (mysqlDialect) prepareDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

func (mysqlDialect) configure(db *sql.DB) {
	db.SetConnMaxLifetime(5 * time.Minute)
}

func (mysqlDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			org VARCHAR(256) NOT NULL,
			module INT NOT NULL,
			module_key VARCHAR(256) NOT NULL,
			is_realtime BOOLEAN NOT NULL DEFAULT FALSE,
			is_silenced BOOLEAN NOT NULL DEFAULT FALSE,
			status INT NOT NULL,
			start_time BIGINT NOT NULL DEFAULT 0,
			end_time BIGINT NOT NULL DEFAULT 0,
			retries INT NOT NULL DEFAULT 0,
			next_run_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			data LONGTEXT NOT NULL,
			UNIQUE KEY scheduled_jobs_key_idx (org, module, module_key),
			KEY scheduled_jobs_status_next_run_idx (status, next_run_at)
		)`,
	}
}

func (mysqlDialect) rebind(query string) string { return query }

func (mysqlDialect) insertIgnore(table string, columns []string) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders(len(columns)))
}

func (mysqlDialect) lockBeforeTx() bool { return true }

func (mysqlDialect) lock(ctx context.Context, conn *sql.Conn, tx *sql.Tx, name string, wait time.Duration) (func(), error) {
	seconds := int64((wait + time.Second - 1) / time.Second)
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, seconds).Scan(&got); err != nil {
		return nil, fmt.Errorf("%w: get lock: %v", clustercore.ErrCoordinatorUnavailable, err)
	}
	if !got.Valid || got.Int64 != 1 {
		return nil, lockTimeout(name, wait)
	}
	return func() {
		ctxRelease, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctxRelease, "SELECT RELEASE_LOCK(?)", name)
	}, nil
}

// postgresDialect uses a transaction scoped advisory lock, released by commit or rollback.
type postgresDialect struct{}

func (postgresDialect) driverName() string { return "pgx" }

func (postgresDialect) prepareDSN(dsn string) (string, error) { return dsn, nil }

func (postgresDialect) configure(db *sql.DB) {
	db.SetConnMaxLifetime(5 * time.Minute)
}

func (postgresDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id BIGSERIAL PRIMARY KEY,
			org VARCHAR(256) NOT NULL,
			module INTEGER NOT NULL,
			module_key VARCHAR(256) NOT NULL,
			is_realtime BOOLEAN NOT NULL DEFAULT FALSE,
			is_silenced BOOLEAN NOT NULL DEFAULT FALSE,
			status INTEGER NOT NULL,
			start_time BIGINT NOT NULL DEFAULT 0,
			end_time BIGINT NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			next_run_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS scheduled_jobs_key_idx ON scheduled_jobs (org, module, module_key)`,
		`CREATE INDEX IF NOT EXISTS scheduled_jobs_status_next_run_idx ON scheduled_jobs (status, next_run_at)`,
	}
}

func (postgresDialect) rebind(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (d postgresDialect) insertIgnore(table string, columns []string) string {
	return d.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, strings.Join(columns, ", "), placeholders(len(columns))))
}

func (postgresDialect) lockBeforeTx() bool { return false }

func (postgresDialect) lock(ctx context.Context, conn *sql.Conn, tx *sql.Tx, name string, wait time.Duration) (func(), error) {
	clck := clock.FromContext(ctx)
	deadline := clck.Now().Add(wait)
	for {
		var got bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock(hashtext($1))", name).Scan(&got); err != nil {
			return nil, fmt.Errorf("%w: advisory lock: %v", clustercore.ErrCoordinatorUnavailable, err)
		}
		if got {
			return func() {}, nil
		}
		if !clck.Now().Before(deadline) {
			return nil, lockTimeout(name, wait)
		}
		tmr := clck.NewTimer(pgLockPollInterval)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}
