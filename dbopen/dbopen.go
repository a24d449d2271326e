// Package dbopen opens the SQLite databases used by the assessment service
// with the pragmas every store relies on. The pragmas ride in the DSN as
// modernc.org/sqlite _pragma parameters, so the driver applies them to every
// connection it opens, not just the first one in the pool:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Stores pass their DDL with WithSchema so that opening a database and
// migrating it is one call:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("data/assess.db", dbopen.WithMkdirAll(), dbopen.WithSchema(records.Schema))
//
// Tests use OpenMemory, which pins the pool to a single connection.
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

type config struct {
	busyTimeout  int
	mkdirAll     bool
	maxOpenConns int
	schemas      []string
}

func defaults() config {
	return config{busyTimeout: 10_000}
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithMaxOpenConns caps the connection pool. 0 keeps the database/sql default.
func WithMaxOpenConns(n int) Option { return func(c *config) { c.maxOpenConns = n } }

// WithSchema queues DDL to execute once the pragmas are applied. Schemas run
// in the order they were given.
func WithSchema(ddl string) Option { return func(c *config) { c.schemas = append(c.schemas, ddl) } }

// Open opens the database at path with the pragmas in its DSN, runs queued
// schemas and pings it. The caller blank-imports modernc.org/sqlite.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, &cfg))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}

	for i, ddl := range cfg.schemas {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: schema %d: %w", i, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens a private in-memory database for a test and closes it on
// cleanup. Every ":memory:" connection is a distinct database, so the pool is
// limited to one connection.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	opts = append([]Option{WithMaxOpenConns(1)}, opts...)
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// dsn appends one _pragma parameter per pragma. modernc.org/sqlite runs them
// on each new connection.
func dsn(path string, cfg *config) string {
	q := url.Values{}
	for _, p := range []string{
		"foreign_keys(1)",
		"journal_mode(WAL)",
		fmt.Sprintf("busy_timeout(%d)", cfg.busyTimeout),
		"synchronous(NORMAL)",
	} {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}
