// Package db provides a centralized database connection and schema for relayd.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Resource state - versioned JSON documents keyed by (kind, id).
	// Devices and schedules both live here.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS resource_state (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			version INTEGER DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (kind, id)
		);
		CREATE INDEX IF NOT EXISTS idx_resource_state_kind ON resource_state(kind);
	`)
	if err != nil {
		return fmt.Errorf("failed to create resource_state table: %w", err)
	}

	// Activity log - append-only record of every decision the core takes
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			device_id TEXT,
			switch_id TEXT,
			source TEXT NOT NULL,
			actor TEXT,
			success INTEGER NOT NULL DEFAULT 1,
			error TEXT,
			details TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_activity_device_ts ON activity_log(device_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_activity_ts ON activity_log(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create activity_log table: %w", err)
	}

	// Security alerts - motion overrides and auto-off timeouts needing attention
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS security_alerts (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_device_ts ON security_alerts(device_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_alerts_type ON security_alerts(type, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create security_alerts table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
