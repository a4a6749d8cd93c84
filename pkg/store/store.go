// Package store is the engine's durable state layer: a database/sql backed
// repository set over an embedded SQLite file (default) or a PostgreSQL
// database for shared deployments. Every externally visible engine operation
// runs inside exactly one transaction obtained here, and ledger appends are
// serialized through a single writer lock regardless of driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"   // postgres driver, selected by store_path scheme
	_ "modernc.org/sqlite" // embedded sqlite driver (cgo-free)
)

// SchemaVersion is the current layout of the persisted tables. Migrations
// bump it by one and record a ledger event at the dispatcher level.
const SchemaVersion = 1

// Driver names the active SQL dialect.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// ErrNotFound is returned by point lookups with no matching row.
var ErrNotFound = errors.New("store: not found")

// Store owns the database handle and the ledger writer lock.
type Store struct {
	db     *sql.DB
	driver Driver
	logger *slog.Logger
	clock  func() time.Time

	// appendMu serializes transactions that append to the ledger so the
	// read-last-then-insert section observes only committed sequences.
	appendMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.clock = fn }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open connects to the store named by storePath. A postgres:// or
// postgresql:// URL selects PostgreSQL; anything else is treated as a SQLite
// file path (":memory:" and file: DSNs included).
func Open(storePath string, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		db  *sql.DB
		err error
	)
	switch {
	case strings.HasPrefix(storePath, "postgres://"), strings.HasPrefix(storePath, "postgresql://"):
		s.driver = DriverPostgres
		db, err = sql.Open("postgres", storePath)
	default:
		s.driver = DriverSQLite
		db, err = sql.Open("sqlite", sqliteDSN(storePath))
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if s.driver == DriverSQLite {
		// The embedded driver performs best with a single connection; it also
		// makes BEGIN IMMEDIATE semantics predictable.
		db.SetMaxOpenConns(1)
	}
	s.db = db
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") {
		return path
	}
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	return "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// Driver reports the active dialect.
func (s *Store) Driver() Driver { return s.driver }

// DB exposes the underlying handle for migration tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Tx is a transaction-scoped view of every repository.
type Tx struct {
	tx     *sql.Tx
	driver Driver
	clock  func() time.Time
}

// WithinTx runs fn inside one transaction, committing on nil and rolling
// back on error. Mid-transaction failures leave no observable state.
func (s *Store) WithinTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	wrapped := &Tx{tx: tx, driver: s.driver, clock: s.clock}
	if err := fn(wrapped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("store: rollback failed", slog.String("error", rbErr.Error()))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// WithinAppendTx is WithinTx holding the ledger writer lock for the duration
// of the transaction. Any transaction that appends a ledger entry must go
// through here; concurrent appends queue up rather than fail.
func (s *Store) WithinAppendTx(ctx context.Context, fn func(*Tx) error) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	return s.WithinTx(ctx, fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.driver == DriverPostgres})
	if err != nil {
		return fmt.Errorf("store: begin read: %w", err)
	}
	wrapped := &Tx{tx: tx, driver: s.driver, clock: s.clock}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rebind converts `?` placeholders to the dialect's form. Queries throughout
// this package are written with `?`.
func (t *Tx) rebind(query string) string {
	return rebind(t.driver, query)
}

func rebind(driver Driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.rebind(query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.rebind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.rebind(query), args...)
}

// formatTime renders timestamps the way every table stores them.
func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// parseTime accepts both nano and second precision for rows written by
// earlier builds.
func parseTime(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse time %q: %w", raw, err)
	}
	return ts, nil
}

func nullTime(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return formatTime(*ts)
}

func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	ts, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
