package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	apierr "github.com/victorgomez09/posauth/internal/auth"
)

// Kind names one of the record kinds kept by the credential store.
type Kind string

const (
	KindUser         Kind = "users"
	KindRoleConfig   Kind = "role_configs"
	KindSystemConfig Kind = "system_configs"
)

// Kinds lists every record kind.
var Kinds = []Kind{KindUser, KindRoleConfig, KindSystemConfig}

// ParseKind maps a kind name to its Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// Schema for the credential store. Timestamps are unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    username TEXT UNIQUE NOT NULL,
    password TEXT NOT NULL,                  -- bcrypt hash, salt embedded.
    role TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    access_level INTEGER NOT NULL,
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    locked_until INTEGER,
    last_activity INTEGER,
    version INTEGER NOT NULL DEFAULT 1,      -- bumped on every write, used for compare-and-swap.
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    password_changed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS role_configs (
    role TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    access_level INTEGER NOT NULL CHECK (access_level BETWEEN 1 AND 5),
    views TEXT NOT NULL DEFAULT '[]',        -- JSON array of view names.
    color TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS system_configs (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sessions (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    issued_at INTEGER NOT NULL,
    last_activity INTEGER NOT NULL,
    expired_at INTEGER,
    revoked_at INTEGER,
    FOREIGN KEY (user_id) REFERENCES users (id)
);

-- At most one row: the installation's current session marker.
CREATE TABLE IF NOT EXISTS current_session (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    token TEXT NOT NULL,
    FOREIGN KEY (token) REFERENCES sessions (token)
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_role_configs_access_level ON role_configs(access_level);
`

type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens the store at dbPath, enables foreign keys and creates the schema.
// The pool is limited to one connection so writes never contend for the SQLite lock.
func NewSQLiteDB(ctx context.Context, dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apierr.Storage("open", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apierr.Storage("ping", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, apierr.Storage("enable foreign keys", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, apierr.Storage("set busy timeout", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, apierr.Storage("create schema", err)
	}

	return &SQLiteDB{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Count returns the number of records of the given kind.
func (s *SQLiteDB) Count(ctx context.Context, kind Kind) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, apierr.Storage("count "+table, err)
	}
	return n, nil
}

// Clear deletes every record of the given kind. Clearing users also drops their sessions.
func (s *SQLiteDB) Clear(ctx context.Context, kind Kind) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	return s.withTx(ctx, "clear "+table, func(tx *sql.Tx) error {
		if kind == KindUser {
			if _, err := tx.ExecContext(ctx, "DELETE FROM current_session"); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM "+table)
		return err
	})
}

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindUser, KindRoleConfig, KindSystemConfig:
		return string(kind), nil
	default:
		return "", fmt.Errorf("unknown record kind %q", kind)
	}
}

// withTx runs fn in a transaction and wraps any failure as a storage error.
func (s *SQLiteDB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierr.Storage(op, err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return apierr.Storage(op, err)
	}

	if err := tx.Commit(); err != nil {
		return apierr.Storage(op, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
