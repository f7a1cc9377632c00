// Package sqlite implements the repository interfaces on one SQLite database.
//
// WHY modernc.org/sqlite?
// It is a pure Go translation of SQLite: no C compiler, no CGo, and the same
// binary cross-compiles everywhere Go does. ":memory:" gives every test its
// own throwaway database.
//
// ONE CONNECTION:
// The pool is capped at a single connection. SQLite serialises writers
// anyway, ":memory:" databases are per-connection (a second pooled
// connection would see an empty schema), and pragmas such as foreign_keys
// are per-connection too. Inside a transaction, only the *sql.Tx may be
// used; touching db.conn there would wait forever for the one connection.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/duo-routine/internal/apperror"
)

// DB wraps the connection pool and implements every repository interface.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// New opens dbPath and runs migrations.
//
//   - "data/duo.db" → file-based database (persistent)
//   - ":memory:"    → in-memory database (tests)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers of a file database proceed during a write. On
	// ":memory:" the pragma answers "memory" and is harmless.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database answers. The server's health check uses it.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the schema. CREATE ... IF NOT EXISTS keeps it idempotent;
// later column additions go through addColumnIfNotExists.
func (db *DB) migrate() error {
	steps := []struct {
		name string
		ddl  string
	}{
		{"users", `
			CREATE TABLE IF NOT EXISTS users (
				id           TEXT PRIMARY KEY,
				email        TEXT NOT NULL UNIQUE,
				name         TEXT NOT NULL DEFAULT '',
				partner_id   TEXT REFERENCES users(id) ON DELETE SET NULL,
				pairing_code TEXT NOT NULL UNIQUE,
				theme        TEXT NOT NULL DEFAULT 'ocean',
				font_size    TEXT NOT NULL DEFAULT 'normal',
				github_id    INTEGER UNIQUE,
				created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`},
		{"routines", `
			CREATE TABLE IF NOT EXISTS routines (
				id                 TEXT PRIMARY KEY,
				user_id            TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				day_of_week        INTEGER NOT NULL CHECK (day_of_week BETWEEN 0 AND 6),
				task_name          TEXT NOT NULL,
				task_icon          TEXT NOT NULL DEFAULT '',
				category           TEXT NOT NULL DEFAULT '',
				is_fixed           INTEGER NOT NULL DEFAULT 0,
				scheduled_time     TEXT NOT NULL DEFAULT '',
				flexible_period    TEXT NOT NULL DEFAULT '',
				estimated_duration INTEGER NOT NULL DEFAULT 0,
				reminder_minutes   INTEGER NOT NULL DEFAULT 0,
				subtasks           TEXT NOT NULL DEFAULT '[]',
				note               TEXT NOT NULL DEFAULT '',
				sort_order         INTEGER NOT NULL DEFAULT 0,
				is_active          INTEGER NOT NULL DEFAULT 1,
				created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_routines_user_day ON routines(user_id, day_of_week);`},
		// date is TEXT, not DATE: the driver would turn a DATE column into
		// a time.Time with a zone, and task logs are keyed by civil day.
		{"task_logs", `
			CREATE TABLE IF NOT EXISTS task_logs (
				id                 TEXT PRIMARY KEY,
				user_id            TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				routine_id         TEXT REFERENCES routines(id) ON DELETE SET NULL,
				date               TEXT NOT NULL,
				task_name          TEXT NOT NULL DEFAULT '',
				status             TEXT NOT NULL DEFAULT 'pending',
				completed_at       DATETIME,
				completed_by       TEXT,
				subtasks_completed TEXT NOT NULL DEFAULT '[]',
				created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (user_id, date, routine_id)
			);`},
		{"daily_status", `
			CREATE TABLE IF NOT EXISTS daily_status (
				id           TEXT PRIMARY KEY,
				user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				date         TEXT NOT NULL,
				energy_level TEXT NOT NULL DEFAULT '',
				mood         TEXT NOT NULL DEFAULT '',
				created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (user_id, date)
			);`},
		{"notifications", `
			CREATE TABLE IF NOT EXISTS notifications (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				type       TEXT NOT NULL,
				title      TEXT NOT NULL,
				message    TEXT NOT NULL DEFAULT '',
				data       TEXT NOT NULL DEFAULT '{}',
				is_read    INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);`},
		{"pairing_requests", `
			CREATE TABLE IF NOT EXISTS pairing_requests (
				id           TEXT PRIMARY KEY,
				from_user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				to_user_id   TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				status       TEXT NOT NULL DEFAULT 'pending',
				created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`},
		{"sign_in_codes", `
			CREATE TABLE IF NOT EXISTS sign_in_codes (
				email      TEXT PRIMARY KEY,
				code_hash  TEXT NOT NULL,
				attempts   INTEGER NOT NULL DEFAULT 0,
				expires_at DATETIME NOT NULL
			);`},
		{"sessions", `
			CREATE TABLE IF NOT EXISTS sessions (
				id          TEXT PRIMARY KEY,
				user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				secret_hash TEXT NOT NULL,
				expires_at  DATETIME NOT NULL,
				created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`},
		{"auth_codes", `
			CREATE TABLE IF NOT EXISTS auth_codes (
				id           TEXT PRIMARY KEY,
				user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				secret_hash  TEXT NOT NULL,
				redirect_uri TEXT NOT NULL DEFAULT '',
				expires_at   DATETIME NOT NULL
			);`},
	}
	for _, s := range steps {
		if _, err := db.conn.Exec(s.ddl); err != nil {
			return fmt.Errorf("creating %s table: %w", s.name, err)
		}
	}

	// Avatars arrived with GitHub sign-in; older databases lack the column.
	if err := db.addColumnIfNotExists("users", "avatar_url",
		"TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("adding avatar_url to users: %w", err)
	}
	return nil
}

// addColumnIfNotExists adds a column to a table only if it doesn't already exist.
// ALTER TABLE migrations can then run on every start.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}

// inTx runs fn in a transaction, committing if it returns nil.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx, so row helpers work
// inside and outside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY failure.
func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isNotFound(err error) bool {
	return errors.Is(err, apperror.ErrNotFound)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
