// Package sqlite persists upstream settings and audit rules in a local
// sqlite database via the pure-Go modernc driver. One database file holds
// both tables; ":memory:" selects an in-memory database for tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// memoryPath selects an in-memory database.
const memoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS upstream_settings (
	kind        TEXT PRIMARY KEY,
	enabled     INTEGER NOT NULL DEFAULT 0,
	url         TEXT NOT NULL DEFAULT '',
	api_key     TEXT NOT NULL DEFAULT '',
	timeout_ns  INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_rules (
	id          TEXT PRIMARY KEY,
	upstream    TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	severity    TEXT NOT NULL,
	condition   TEXT NOT NULL,
	remediation TEXT NOT NULL DEFAULT '',
	enabled     INTEGER NOT NULL DEFAULT 1,
	built_in    INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_rules_upstream ON audit_rules(upstream);
`

// DB wraps the sql handle shared by the settings and rule stores.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. The parent directory is created for file databases.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := path
	if path != memoryPath {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		// WAL keeps readers from blocking the monitor loop's writes;
		// busy_timeout retries instead of returning SQLITE_BUSY.
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection; a file database is
	// written by a single process. One connection serves both cases.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}
