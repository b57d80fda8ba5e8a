// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Config describes how to reach the durable store.
type Config struct {
	Driver        Dialect
	URL           string // postgres DSN, or sqlite file path (":memory:" allowed)
	MaxOpenConns  int
	RetryAttempts int
	RetryInterval time.Duration
}

// Querier is satisfied by *DB and by the transaction handle passed to WithTx.
// Queries are written with ? placeholders and rebound for the dialect.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the process-wide store handle. It is passed explicitly to every
// repository; nothing reads it from a package variable.
type DB struct {
	sql     *sql.DB
	dialect Dialect
}

// Open connects to the configured store, retrying with a linear backoff so a
// database that is still starting does not fail the process.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driverName, dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	attempts := max(cfg.RetryAttempts, 1)
	var lastErr error
	for i := range attempts {
		conn, err := sql.Open(driverName, dsn)
		if err == nil {
			configurePool(conn, cfg)
			if err = conn.PingContext(ctx); err == nil {
				return &DB{sql: conn, dialect: cfg.Driver}, nil
			}
			_ = conn.Close()
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-time.After(time.Duration(i+1) * cfg.RetryInterval):
		}
	}
	return nil, fmt.Errorf("db: connect %s: %w", cfg.Driver, lastErr)
}

func dataSource(cfg Config) (string, string, error) {
	switch cfg.Driver {
	case Postgres:
		if cfg.URL == "" {
			return "", "", errors.New("db: empty postgres url")
		}
		return "postgres", cfg.URL, nil
	case SQLite:
		path := cfg.URL
		if path == "" {
			return "", "", errors.New("db: empty sqlite path")
		}
		pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		if path == ":memory:" {
			return "sqlite", "file::memory:?" + pragmas, nil
		}
		if strings.HasPrefix(path, "file:") {
			return "sqlite", path, nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", "", fmt.Errorf("db: create sqlite dir: %w", err)
		}
		return "sqlite", "file:" + path + "?mode=rwc&" + pragmas + "&_pragma=journal_mode(WAL)", nil
	}
	return "", "", fmt.Errorf("db: unsupported driver %q", cfg.Driver)
}

func configurePool(conn *sql.DB, cfg Config) {
	if cfg.Driver == SQLite {
		// SQLite has a single writer; one connection serializes access and
		// keeps an in-memory database alive for the life of the handle.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
		return
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	conn.SetConnMaxIdleTime(10 * time.Minute)
}

func (d *DB) Dialect() Dialect { return d.dialect }

// SQL exposes the underlying pool for migrations and health checks.
func (d *DB) SQL() *sql.DB { return d.sql }

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) PingContext(ctx context.Context) error { return d.sql.PingContext(ctx) }

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sql.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}

// Rebind rewrites ? placeholders to $1..$n for PostgreSQL.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
