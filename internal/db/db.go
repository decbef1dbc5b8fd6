// Package db opens the SQLite databases the daemon keeps under its data directory.
package db

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/savesync/savesync/internal/utils"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

var defaultPragmas = []string{
	"journal_mode=WAL",
	"busy_timeout=5000",
	"foreign_keys=ON",
	"temp_store=MEMORY",
}

type options struct {
	pragmas         []string
	maxOpenConns    int
	connMaxLifetime time.Duration
}

type Option func(*options)

// WithPragmas replaces the default pragmas. Entries omit the PRAGMA keyword.
func WithPragmas(pragmas ...string) Option {
	return func(o *options) { o.pragmas = pragmas }
}

func WithMaxOpenConns(n int) Option {
	return func(o *options) { o.maxOpenConns = n }
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(o *options) { o.connMaxLifetime = d }
}

// Open connects to the database at path, creating the file and its parent
// directory when missing. Memory databases are pinned to one connection so
// every query sees the same data.
func Open(path string, opts ...Option) (*sqlx.DB, error) {
	o := &options{pragmas: defaultPragmas}
	for _, opt := range opts {
		opt(o)
	}

	dsn := Memory
	if path != Memory {
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + path + "?_txlock=immediate&mode=rwc"
	} else {
		o.maxOpenConns = 1
	}

	slog.Debug("db open", "driver", driverID, "path", path)
	conn, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	if o.maxOpenConns > 0 {
		conn.SetMaxOpenConns(o.maxOpenConns)
	}
	if o.connMaxLifetime > 0 {
		conn.SetConnMaxLifetime(o.connMaxLifetime)
	}

	for _, p := range o.pragmas {
		if _, err := conn.Exec("PRAGMA " + strings.TrimSuffix(p, ";")); err != nil {
			conn.Close()
			return nil, fmt.Errorf("pragma %s: %w", p, err)
		}
	}
	return conn, nil
}

// SchemaVersion reports how many migrations have been applied.
func SchemaVersion(conn *sqlx.DB) (int, error) {
	var v int
	if err := conn.Get(&v, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Migrate applies the migrations not yet recorded in user_version, each in its
// own transaction. Migrations are append-only: entry i moves the schema to i+1.
func Migrate(conn *sqlx.DB, migrations ...string) error {
	current, err := SchemaVersion(conn)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", current, len(migrations))
	}

	for i := current; i < len(migrations); i++ {
		tx, err := conn.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		// PRAGMA does not accept bound parameters
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
		slog.Debug("db migrate", "version", i+1)
	}
	return nil
}
