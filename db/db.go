package db

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	_ "modernc.org/sqlite"

	"tech-events-bot/config"
)

type DB struct {
	db      *bun.DB
	timeout time.Duration
	now     func() time.Time

	// serializes mutations
	mu sync.Mutex
}

const defaultTimeout = time.Minute

func New(cfg config.DatabaseConfig) (*DB, error) {
	var db *bun.DB
	switch cfg.Driver {
	case config.DriverPostgres:
		connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN))
		db = bun.NewDB(sql.OpenDB(connector), pgdialect.New())
	case config.DriverSQLite:
		sqldb, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "unable to open sqlite database")
		}
		// A single connection keeps :memory: databases alive and avoids
		// SQLITE_BUSY between writers.
		sqldb.SetMaxOpenConns(1)
		sqldb.SetMaxIdleConns(1)
		sqldb.SetConnMaxLifetime(0)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		return nil, errors.Errorf("unknown database driver %q", cfg.Driver)
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &DB{db: db, timeout: timeout, now: time.Now}, nil
}

// SetClock overrides the time source used for timestamps.
func (d *DB) SetClock(now func() time.Time) {
	d.now = now
}

func (d *DB) EnableDebug() {
	d.db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return storageErr(d.db.PingContext(ctx), "ping")
}

// Init creates the schema if it does not exist yet.
func (d *DB) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	models := []interface{}{(*Subscriber)(nil), (*BroadcastRun)(nil)}
	for _, model := range models {
		_, err := d.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx)
		if err != nil {
			return storageErr(err, "create table")
		}
	}
	statements := []string{
		"CREATE INDEX IF NOT EXISTS subscribers_active_idx ON subscribers (active, subscribed_at)",
		"CREATE INDEX IF NOT EXISTS broadcast_runs_started_idx ON broadcast_runs (started_at)",
		// One scheduled run per calendar date, enforced by the database as well.
		"CREATE UNIQUE INDEX IF NOT EXISTS broadcast_runs_scheduled_date_idx " +
			"ON broadcast_runs (run_date) WHERE triggered_by = 'scheduler'",
	}
	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return storageErr(err, "create index")
		}
	}
	return nil
}

func (d *DB) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}
