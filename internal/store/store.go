// Package store persists the air-quality schema in PostgreSQL or SQLite.
//
// Every run's reads and writes go through a single transaction opened by
// [Store.WithTx]; the transaction is rolled back on any error or panic, so
// readers never observe a partially applied run.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver

	"github.com/couchcryptid/air-quality-etl/internal/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the database handle for one process.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	schema  *SchemaManager
}

// Options configures Open.
type Options struct {
	Driver         Driver
	DSN            string
	ConnectTimeout time.Duration // total budget for connection retries
}

// Open connects to the configured database, retrying with exponential
// backoff until ConnectTimeout elapses.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	d := dialectFor(opts.Driver)
	dsn := opts.DSN
	if d.driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(d.sqlDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.driver, err)
	}

	s, err := New(db, d.driver, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := s.PingWithRetry(ctx, opts.ConnectTimeout); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. SQLite handles are pinned to one connection
// so an in-memory database and its pragmas survive for the handle's lifetime.
func New(db *sql.DB, driver Driver, logger *slog.Logger) (*Store, error) {
	d := dialectFor(driver)
	if d.driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	s := &Store{db: db, dialect: d, logger: logger}
	s.schema = newSchemaManager(s)
	return s, nil
}

// sqliteDSN enables foreign-key enforcement, which SQLite leaves off by
// default, and pins a sortable timestamp text format.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "file::memory:"
	}
	if !strings.Contains(dsn, "foreign_keys") {
		dsn = appendParam(dsn, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "_time_format") {
		dsn = appendParam(dsn, "_time_format=sqlite")
	}
	return dsn
}

func appendParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

// Driver reports the backend in use.
func (s *Store) Driver() Driver { return s.dialect.driver }

// Schema returns the session's schema manager.
func (s *Store) Schema() *SchemaManager { return s.schema }

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity once.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectivity, err)
	}
	return nil
}

// PingWithRetry pings with exponential backoff. A zero maxElapsed pings once.
func (s *Store) PingWithRetry(ctx context.Context, maxElapsed time.Duration) error {
	if maxElapsed <= 0 {
		return s.Ping(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := s.db.PingContext(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("database ping failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectivity, err)
	}
	return nil
}

// CheckReadiness reports whether the store is reachable and the schema has
// been ensured in this session.
func (s *Store) CheckReadiness(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	if !s.schema.Ensured() {
		return errors.New("schema has not been ensured yet")
	}
	return nil
}

// Tx is one run's transaction.
type Tx struct {
	tx      *sql.Tx
	dialect dialect
}

// WithTx runs fn inside a transaction. The transaction commits only if fn
// returns nil; any error or panic rolls it back.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", "error", rbErr)
		}
	}()

	if err := fn(ctx, &Tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	committed = true
	return nil
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.rebind(query), args...)
}
