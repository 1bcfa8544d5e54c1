package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when an item id is unknown.
	ErrNotFound = errors.New("item not found")
	// ErrConflict is returned when a conditional write lost: the row is no
	// longer in the expected state or no longer owned by the caller.
	ErrConflict = errors.New("state conflict")
)

// timeLayout sorts lexicographically and shares its prefix with SQLite's
// datetime('now').
const timeLayout = "2006-01-02 15:04:05.000000"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader holds the read queries shared by DB and Tx.
type reader struct {
	q querier
}

// DB wraps a SQLite database connection.
type DB struct {
	reader
	conn *sql.DB
	// snap serves Snapshot. Its transactions are deferred and query-only,
	// so they read a WAL snapshot without taking the write lock.
	snap *sql.DB
	path string
}

// Tx is a write transaction. Methods on Tx never commit; WithTx does.
type Tx struct {
	reader
	tx *sql.Tx
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection. Immediate
	// transactions take the write lock up front so concurrent writers wait
	// on busy_timeout instead of failing on lock upgrade.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate",
		dbPath,
	)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	snap, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(10000)&_pragma=query_only(1)&_txlock=deferred",
		dbPath,
	))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening snapshot connection: %w", err)
	}

	return &DB{reader: reader{q: conn}, conn: conn, snap: snap, path: dbPath}, nil
}

// Close closes the database connections.
func (db *DB) Close() error {
	return errors.Join(db.snap.Close(), db.conn.Close())
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Snapshot runs fn against a single consistent view of the database
// without blocking writers. fn must only read through r; writes fail with
// a query_only error.
func (db *DB) Snapshot(ctx context.Context, fn func(r *Tx) error) error {
	sqlTx, err := db.snap.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer sqlTx.Rollback()
	return fn(&Tx{reader: reader{q: sqlTx}, tx: sqlTx})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
