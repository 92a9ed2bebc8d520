/*
Package sqldb provides a database/sql implementation of ledger.Store.

PURPOSE:
  Durable persistence for accounts, balances, the movement log, periods,
  pockets, fixed expense items, idempotency keys and exchange rates. The same
  schema and queries serve SQLite (mattn/go-sqlite3) and PostgreSQL
  (jackc/pgx stdlib driver); only placeholders and row locking differ.

INTERFACES IMPLEMENTED:
  ledger.Store:  reads + WithTx
  ledger.Tx:     reads + writes bound to one *sql.Tx
  fx.RateSource: exchange rate lookup
  fx.RateWriter: exchange rate upsert

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the movements table
  - No DELETE statements anywhere
  - Periods and pockets end in a terminal status instead of being removed

CONCURRENCY:
  SQLite: transactions begin IMMEDIATE (_txlock=immediate) so the write lock
  is taken up front, the pool is capped at one connection, and a
  sync.RWMutex serializes writers in-process.
  PostgreSQL: single-row reads inside a transaction use SELECT ... FOR UPDATE.
  Both: aggregate rows carry a version column and every update is
  "WHERE id = ? AND version = ?"; zero rows affected is a conflict.
  Serialization failures and deadlocks (40001, 40P01) and SQLITE_BUSY map to
  ledger.ErrConcurrencyConflict so the engine can retry.

STORAGE FORMATS:
  Decimals are TEXT (exact). Dates are TEXT YYYY-MM-DD. Timestamps are
  fixed-width UTC TEXT so lexical order is chronological.

USAGE:
  store, err := sqldb.Open("sqlite3", "./data/ffs.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ffs/balance-engine/ledger"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Dialect is the database/sql driver name.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "pgx"
)

const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// New opens a SQLite database at dbPath. Use ":memory:" for a throwaway one.
func New(dbPath string) (*Store, error) {
	return Open(string(SQLite), dbPath)
}

// Open connects with the named driver ("sqlite3" or "pgx") and migrates.
func Open(driver, dsn string) (*Store, error) {
	dialect := Dialect(driver)
	switch dialect {
	case SQLite:
		dsn = sqliteDSN(dsn)
	case Postgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// One connection: ":memory:" databases are per-connection, and
		// SQLite only has one writer anyway.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}

	store := &Store{db: db, dialect: dialect}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &ledger.DependencyError{Op: "ping database", Err: err}
	}
	return nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. The transaction commits
// only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	tx := &conn{q: sqlTx, dialect: s.dialect, inTx: true}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

// querier is the subset of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every query. Outside a transaction it wraps *sql.DB; inside, *sql.Tx.
type conn struct {
	q       querier
	dialect Dialect
	inTx    bool
}

var _ ledger.Tx = (*conn)(nil)

func (s *Store) reader() *conn {
	return &conn{q: s.db, dialect: s.dialect}
}

// rebind rewrites ? placeholders to $1..$n for PostgreSQL.
func (c *conn) rebind(query string) string {
	if c.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// lockClause row-locks single-entity reads inside a PostgreSQL transaction.
func (c *conn) lockClause() string {
	if c.inTx && c.dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// versionedUpdate runs an UPDATE guarded by "version = ?" and tells a lost
// race apart from a missing row.
func (c *conn) versionedUpdate(ctx context.Context, table, kind, id string, query string, args ...any) error {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return mapError("update "+kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError("update "+kind, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = c.queryRow(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return mapError("update "+kind, err)
	}
	if exists == 0 {
		return ledger.NotFound(kind, id)
	}
	return ledger.ErrConcurrencyConflict
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

var errUniqueViolation = errors.New("unique constraint violated")

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch {
		case liteErr.Code == sqlite3.ErrBusy, liteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w", op, ledger.ErrConcurrencyConflict)
		case liteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%s: %w", op, errUniqueViolation)
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w", op, ledger.ErrConcurrencyConflict)
		case "23505":
			return fmt.Errorf("%s: %w", op, errUniqueViolation)
		}
	}

	return &ledger.DependencyError{Op: op, Err: err}
}

// =============================================================================
// ENCODING HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatDate(d ledger.Date) string {
	return d.String()
}

func parseDate(s string) ledger.Date {
	d, _ := ledger.ParseDate(s)
	return d
}

func nullDate(d *ledger.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func scanNullDate(ns sql.NullString) *ledger.Date {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	d := parseDate(ns.String)
	return &d
}
