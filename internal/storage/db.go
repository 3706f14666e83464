// Copyright 2025 James Ross

// Package storage is the Storage Adapter (spec.md §4.1, C1): typed SQL
// access, transactions, and the row-locking primitive the claim protocol
// depends on. It never builds SQL from caller-controlled identifiers; all
// writes go through parameterized statements built by callers (lifecycle,
// registry) using Masterminds/squirrel or plain placeholders.
//
// Grounded on the teacher's internal/exactly-once-patterns/outbox_storage.go
// SQLOutboxStorage (plain database/sql usage: ExecContext/QueryRowContext,
// sql.NullString/sql.NullTime scanning) and on the other_examples Postgres
// repositories (prepared-statement caching, functional-option constructors,
// isolation-level mapping to sql.TxOptions).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/flyingrobots/taskqueue/internal/breaker"
	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/flyingrobots/taskqueue/internal/obs"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Isolation is a storage-agnostic transaction isolation level.
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

func (i Isolation) sqlLevel() sql.IsolationLevel {
	switch i {
	case RepeatableRead:
		return sql.LevelRepeatableRead
	case Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}

// DB is the opened storage handle, backend-agnostic above the driver name.
type DB struct {
	sqlx               *sqlx.DB
	driver             string
	placeholder        sq.PlaceholderFormat
	log                *zap.Logger
	breaker            *breaker.CircuitBreaker
	slowQueryThreshold time.Duration
	deadlockMaxRetries int
}

// Option customizes DB construction beyond config.Database, mirroring the
// teacher's functional-option repository constructors.
type Option func(*DB)

func WithLogger(l *zap.Logger) Option { return func(d *DB) { d.log = l } }

func WithSlowQueryThreshold(t time.Duration) Option {
	return func(d *DB) { d.slowQueryThreshold = t }
}

func WithDeadlockMaxRetries(n int) Option {
	return func(d *DB) { d.deadlockMaxRetries = n }
}

func WithCircuitBreaker(cb *breaker.CircuitBreaker) Option {
	return func(d *DB) { d.breaker = cb }
}

// Open connects to the configured backend and registers the driver's
// preferred squirrel placeholder format.
func Open(cfg config.Database, opts ...Option) (*DB, error) {
	conn, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Driver, err)
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	placeholder := sq.Question
	if cfg.Driver == "postgres" {
		placeholder = sq.Dollar
	}

	d := &DB{
		sqlx:               conn,
		driver:             cfg.Driver,
		placeholder:        placeholder,
		log:                zap.NewNop(),
		breaker:            breaker.New(time.Minute, 30*time.Second, 0.5, 10),
		slowQueryThreshold: 100 * time.Millisecond,
		deadlockMaxRetries: 2,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// NewForTesting wraps an already-connected sqlx.DB (typically a sqlmock
// handle) as a DB, for use by other packages' unit tests that need a
// storage.DB without a live database.
func NewForTesting(conn *sqlx.DB, driver string, opts ...Option) *DB {
	placeholder := sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}
	d := &DB{
		sqlx:               conn,
		driver:             driver,
		placeholder:        placeholder,
		log:                zap.NewNop(),
		breaker:            breaker.New(time.Minute, 30*time.Second, 0.99, 1000),
		slowQueryThreshold: 0,
		deadlockMaxRetries: 2,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Close closes the underlying connection pool.
func (d *DB) Close() error { return d.sqlx.Close() }

// Driver reports the backend driver name ("postgres" or "sqlite3").
func (d *DB) Driver() string { return d.driver }

// PlaceholderFormat is the squirrel placeholder style for this backend.
func (d *DB) PlaceholderFormat() sq.PlaceholderFormat { return d.placeholder }

// SupportsSkipLocked reports whether FOR UPDATE SKIP LOCKED is available.
// SQLite has no equivalent; its own single-writer locking still serializes
// claim contenders correctly, just with worse throughput under contention.
func (d *DB) SupportsSkipLocked() bool { return d.driver == "postgres" }

// Tx wraps a live transaction with slow-query logging on every statement
// and error classification on Exec, NamedExec, Commit and Rollback. Errors
// from QueryRow surface unclassified through the returned row's Scan.
type Tx struct {
	tx  *sqlx.Tx
	db  *DB
	ctx context.Context
}

// BeginTx starts a transaction at the given isolation level.
func (d *DB) BeginTx(ctx context.Context, iso Isolation) (*Tx, error) {
	tx, err := d.sqlx.BeginTxx(ctx, &sql.TxOptions{Isolation: iso.sqlLevel()})
	if err != nil {
		return nil, classify(d.driver, err)
	}
	return &Tx{tx: tx, db: d, ctx: ctx}, nil
}

func (t *Tx) Commit() error   { return classify(t.db.driver, t.tx.Commit()) }
func (t *Tx) Rollback() error { return classify(t.db.driver, t.tx.Rollback()) }

// QueryRow runs a SELECT expected to return at most one row. Any error,
// sql.ErrNoRows included, is the driver's own unclassified error, returned
// by the row's Scan. sql.ErrNoRows is passed through as is — the
// caller (lifecycle) decides whether "no rows" means "null" or an error,
// per spec.md §4.5 step 4.
func (t *Tx) QueryRow(query string, args ...any) *sqlx.Row {
	start := time.Now()
	row := t.tx.QueryRowxContext(t.ctx, query, args...)
	t.db.observe("query_row", start)
	return row
}

// Exec runs a mutating statement, classifying the resulting error.
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	t.db.observe("exec", start)
	if err != nil {
		return nil, classify(t.db.driver, err)
	}
	return res, nil
}

// NamedExec runs a mutating statement with named parameters bound from arg,
// grounded on the sqlx usage in the Postgres task-repository example.
func (t *Tx) NamedExec(query string, arg any) (sql.Result, error) {
	start := time.Now()
	res, err := t.tx.NamedExecContext(t.ctx, query, arg)
	t.db.observe("named_exec", start)
	if err != nil {
		return nil, classify(t.db.driver, err)
	}
	return res, nil
}

// QueryRow runs a read-only SELECT outside a transaction. As with Tx.QueryRow,
// errors surface unclassified through the returned row's Scan.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sqlx.Row {
	start := time.Now()
	row := d.sqlx.QueryRowxContext(ctx, query, args...)
	d.observe("query_row", start)
	return row
}

// Select runs a read-only SELECT returning multiple rows into dest.
func (d *DB) Select(ctx context.Context, dest any, query string, args ...any) error {
	start := time.Now()
	err := d.sqlx.SelectContext(ctx, dest, query, args...)
	d.observe("select", start)
	if err != nil {
		return classify(d.driver, err)
	}
	return nil
}

// Exec runs a mutating statement outside any transaction, classifying the
// resulting error. Used by components (registry) whose writes don't need
// transactional grouping with other statements.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := d.sqlx.ExecContext(ctx, query, args...)
	d.observe("exec", start)
	if err != nil {
		return nil, classify(d.driver, err)
	}
	return res, nil
}

// Query runs a read-only SELECT returning multiple rows, classifying the
// resulting error.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	start := time.Now()
	rows, err := d.sqlx.QueryxContext(ctx, query, args...)
	d.observe("query", start)
	if err != nil {
		return nil, classify(d.driver, err)
	}
	return rows, nil
}

// Placeholder renders the nth (1-based) bind placeholder for this backend,
// for callers building a query string directly rather than via squirrel.
func (d *DB) Placeholder(n int) string {
	if d.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d *DB) observe(op string, start time.Time) {
	elapsed := time.Since(start)
	if d.slowQueryThreshold > 0 && elapsed > d.slowQueryThreshold {
		obs.SlowQueries.Inc()
		d.log.Warn("slow storage operation", obs.String("op", op), zap.Duration("elapsed", elapsed))
	}
}

// WithDeadlockRetry runs fn, retrying up to deadlockMaxRetries times when fn
// returns a classified deadlock error, gated by the circuit breaker so a
// persistently deadlocking backend trips open instead of retrying forever
// (spec.md §5's "deadlocks retried at most twice before surfacing").
func (d *DB) WithDeadlockRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= d.deadlockMaxRetries; attempt++ {
		if !d.breaker.Allow() {
			return fmt.Errorf("storage circuit breaker open: %w", err)
		}
		err = fn()
		d.breaker.Record(err == nil)
		if err == nil {
			return nil
		}
		if !isDeadlock(err) {
			return err
		}
	}
	return err
}
