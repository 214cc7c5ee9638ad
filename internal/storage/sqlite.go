// Package storage provides SQLite persistence for diagnostic history.
package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/user/netdiag/internal/util"
)

// DB wraps the SQLite database connection.
type DB struct {
	*sql.DB
	path string
	mu   sync.Mutex
}

// Open creates or opens the database at path.
func Open(path string) (*DB, error) {
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("failed to create database dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := &DB{DB: sqlDB, path: path}
	if err := db.createTables(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) createTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS diagnostic_runs (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target TEXT,
			status TEXT NOT NULL,
			summary TEXT,
			latency_ms REAL,
			loss_pct REAL,
			error TEXT,
			started_at DATETIME NOT NULL,
			duration_ns INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_diagnostic_runs_started ON diagnostic_runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_diagnostic_runs_job ON diagnostic_runs(job_id)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			active INTEGER NOT NULL,
			value REAL,
			threshold REAL,
			severity TEXT NOT NULL DEFAULT 'warning',
			message TEXT,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", table, err)
		}
	}
	return db.addMissingColumns()
}

// addMissingColumns upgrades tables created by older releases.
func (db *DB) addMissingColumns() error {
	columns := []struct{ table, name, def string }{
		{"alerts", "severity", "TEXT NOT NULL DEFAULT 'warning'"},
		{"alerts", "message", "TEXT"},
	}
	for _, c := range columns {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, c.table, c.name).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", c.table, err)
		}
		if n > 0 {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.name, c.def)); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", c.table, c.name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// WithLock executes a function with the write lock held.
func (db *DB) WithLock(fn func() error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn()
}
