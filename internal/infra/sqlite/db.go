// Package sqlite provides SQLite-based persistent task state for ocrd.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite database in WAL mode. Writes go through a single
// connection; reads use a separate pool so they never queue behind another
// task's write transaction.
type DB struct {
	db  *sql.DB // writer
	rdb *sql.DB // WAL readers
	log *log.Entry
}

const readerConns = 4

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	readDSN := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=query_only(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; one connection also serializes every
	// read-modify-write transaction on the tasks table.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db, log: log.WithField("component", "sqlite")}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb, err := sql.Open("sqlite", readDSN)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite readers: %w", err)
	}
	if err := rdb.Ping(); err != nil {
		rdb.Close()
		db.Close()
		return nil, fmt.Errorf("ping sqlite readers: %w", err)
	}
	rdb.SetMaxOpenConns(readerConns)
	rdb.SetMaxIdleConns(readerConns)
	d.rdb = rdb

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	rerr := d.rdb.Close()
	if err := d.db.Close(); err != nil {
		return err
	}
	return rerr
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	if err := d.db.Ping(); err != nil {
		return err
	}
	return d.rdb.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL,
			result_dir    TEXT NOT NULL DEFAULT '',
			progress      INTEGER NOT NULL DEFAULT 0,
			output_files  TEXT,
			error_message TEXT,
			input_path    TEXT NOT NULL DEFAULT '',
			file_type     TEXT NOT NULL DEFAULT '',
			prompt        TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,

		`CREATE TABLE IF NOT EXISTS node_info (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Node Info ──────────────────────────────────────────────────────────────

// SetInfo stores a daemon-level key/value pair.
func (d *DB) SetInfo(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO node_info (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// Info returns a daemon-level value, or "" if unset.
func (d *DB) Info(key string) (string, error) {
	var v string
	err := d.rdb.QueryRow(`SELECT value FROM node_info WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
