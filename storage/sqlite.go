package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	BaseStore
	dbPath string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists (unless in-memory)
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	// Build connection string with pragmas (skip for in-memory databases)
	connStr := dbPath
	if dbPath != ":memory:" {
		connStr += "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON"
	} else {
		connStr += "?_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each pooled connection to an in-memory database would see its own
	// empty database, so pin the pool to a single connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{
		BaseStore: BaseStore{db: db, dialect: &SQLiteDialect{}},
		dbPath:    dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Users
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		permission TEXT NOT NULL DEFAULT 'user',
		create_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Managed printers
	CREATE TABLE IF NOT EXISTS printers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		api_key TEXT,
		driver TEXT NOT NULL,
		group_name TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		opcua_name TEXT,
		camera_url TEXT,
		model TEXT,
		create_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_printers_group_name ON printers(group_name);
	CREATE INDEX IF NOT EXISTS idx_printers_active ON printers(active);

	-- Customer orders
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		printer_id INTEGER,
		cancelled INTEGER NOT NULL DEFAULT 0,
		create_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(user_id) REFERENCES users(id),
		FOREIGN KEY(printer_id) REFERENCES printers(id)
	);

	CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id);

	-- Print jobs
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER,
		user_id TEXT,
		printer_id INTEGER,
		status INTEGER NOT NULL DEFAULT 1,
		from_server INTEGER NOT NULL,
		gcode_file_path TEXT,
		original_filename TEXT,
		printer_filename TEXT,
		start_time DATETIME,
		create_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(order_id) REFERENCES orders(id),
		FOREIGN KEY(user_id) REFERENCES users(id),
		FOREIGN KEY(printer_id) REFERENCES printers(id)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_printer_id ON jobs(printer_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_create_time ON jobs(create_time);

	-- Append-only job status log
	CREATE TABLE IF NOT EXISTS job_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		create_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(job_id) REFERENCES jobs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_job_history_job_id ON job_history(job_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
