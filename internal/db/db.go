package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
	// ErrLocalChanged is returned when a local event was edited after a run
	// loaded the queue it resolved against.
	ErrLocalChanged = errors.New("local event changed during run")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	// Pragmas go in the DSN so every pooled connection gets them, not just
	// the first one.
	pragmas := []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"foreign_keys(1)",
		"secure_delete(1)",
		"synchronous(NORMAL)",
	}
	params := url.Values{}
	for _, pragma := range pragmas {
		params.Add("_pragma", pragma)
	}

	conn, err := sql.Open("sqlite", "file:"+dbPath+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// Pool limits keep file descriptor use bounded under concurrent runs.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	db := &DB{conn: conn}

	// Run migrations
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// The file may not exist yet in WAL mode.
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Integrations table
		`CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT 'caldav',
			base_url TEXT NOT NULL,
			credential_ref TEXT NOT NULL,
			health TEXT NOT NULL DEFAULT 'active',
			health_reason TEXT,
			deleted_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_integrations_account_id ON integrations(account_id)`,

		// Collection bindings table
		`CREATE TABLE IF NOT EXISTS collection_bindings (
			id TEXT PRIMARY KEY,
			integration_id TEXT NOT NULL,
			calendar_id TEXT NOT NULL,
			collection_url TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			change_token TEXT,
			sync_token TEXT,
			last_synced_at DATETIME,
			direction TEXT NOT NULL DEFAULT 'bidirectional',
			sync_interval INTEGER NOT NULL DEFAULT 300,
			enabled INTEGER NOT NULL DEFAULT 1,
			health TEXT NOT NULL DEFAULT 'active',
			health_reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(integration_id, collection_url),
			FOREIGN KEY (integration_id) REFERENCES integrations(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_bindings_integration_id ON collection_bindings(integration_id)`,

		// Synced events table: one row per (binding, local event)
		`CREATE TABLE IF NOT EXISTS synced_events (
			id TEXT PRIMARY KEY,
			binding_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			uid TEXT NOT NULL DEFAULT '',
			remote_path TEXT NOT NULL,
			remote_etag TEXT,
			content_hash TEXT,
			local_modified_at DATETIME,
			remote_modified_at DATETIME,
			tombstone INTEGER NOT NULL DEFAULT 0,
			tombstoned_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(binding_id, event_id),
			UNIQUE(binding_id, remote_path),
			FOREIGN KEY (binding_id) REFERENCES collection_bindings(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_synced_events_tombstoned_at ON synced_events(tombstoned_at)`,

		// Pending changes table: at most one queued mutation per local event
		`CREATE TABLE IF NOT EXISTS pending_changes (
			id TEXT PRIMARY KEY,
			binding_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			op TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			attempts INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			UNIQUE(binding_id, event_id),
			FOREIGN KEY (binding_id) REFERENCES collection_bindings(id) ON DELETE CASCADE
		)`,

		// Local events table: the platform's own event store
		`CREATE TABLE IF NOT EXISTS local_events (
			id TEXT NOT NULL,
			binding_id TEXT NOT NULL,
			uid TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			deleted INTEGER NOT NULL DEFAULT 0,
			removed_elsewhere INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (binding_id, id),
			FOREIGN KEY (binding_id) REFERENCES collection_bindings(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_local_events_uid ON local_events(binding_id, uid)`,

		// Sync runs table
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id TEXT PRIMARY KEY,
			binding_id TEXT NOT NULL,
			trigger_source TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			reason TEXT,
			message TEXT,
			local_created INTEGER NOT NULL DEFAULT 0,
			local_updated INTEGER NOT NULL DEFAULT 0,
			local_deleted INTEGER NOT NULL DEFAULT 0,
			remote_created INTEGER NOT NULL DEFAULT 0,
			remote_updated INTEGER NOT NULL DEFAULT 0,
			remote_deleted INTEGER NOT NULL DEFAULT 0,
			conflicts INTEGER NOT NULL DEFAULT 0,
			requeued INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			FOREIGN KEY (binding_id) REFERENCES collection_bindings(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_runs_binding_started ON sync_runs(binding_id, started_at DESC)`,

		// Credentials table: secrets are encrypted before they reach this table
		`CREATE TABLE IF NOT EXISTS credentials (
			ref TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Malformed items table for tracking corrupted remote calendar objects
		`CREATE TABLE IF NOT EXISTS malformed_items (
			id TEXT PRIMARY KEY,
			binding_id TEXT NOT NULL,
			path TEXT NOT NULL,
			error_message TEXT NOT NULL,
			discovered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(binding_id, path),
			FOREIGN KEY (binding_id) REFERENCES collection_bindings(id) ON DELETE CASCADE
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE migrations
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// withTx runs fn in a transaction, rolling back on error.
func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
