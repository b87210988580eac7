package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bastion/metrics"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// sqliteNowExpr is the database's own clock rendered in the same RFC3339
// layout the application writes. Used where a column must be stamped with
// the server-authoritative time rather than an application-computed value.
const sqliteNowExpr = "strftime('%Y-%m-%dT%H:%M:%fZ','now')"

// SQLite holds the database connections for the bastion metadata store.
// Separate read and write pools leverage WAL mode's concurrent read
// capability: WAL supports unlimited readers plus exactly one writer.
type SQLite struct {
	DB      *sql.DB // Write connection pool (same handle as WriteDB)
	WriteDB *sql.DB // Write-only pool, MaxOpenConns=1 for the WAL single writer
	ReadDB  *sql.DB // Read-only pool for concurrent SELECTs
	Path    string
	Logger  *zap.SugaredLogger
}

// Options tunes the engine's connection pools. Zero values fall back to the
// defaults.
type Options struct {
	// BusyTimeout is the SQLite busy timeout in milliseconds (default 5000).
	BusyTimeout int
	// ReadPoolSize caps concurrent read connections (default 10).
	ReadPoolSize int
}

func (o Options) withDefaults() Options {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5000
	}
	if o.ReadPoolSize < 1 {
		o.ReadPoolSize = 10
	}
	return o
}

// configureSQLiteConnection applies the standard pragmas to a pool: WAL
// journal, foreign keys, busy timeout. SQLite disables foreign keys by
// default, so the setting is verified after being applied.
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string, busyTimeout int) error {
	_, err := db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys=ON")
	if err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var fkEnabled int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled)
	if err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got: %d, expected: 1)", fkEnabled)
	}

	// Prevent immediate SQLITE_BUSY errors; the retry wrapper handles the
	// conflicts that survive this window.
	_, err = db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout))
	if err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases report "memory" journal mode, not "wal".
	var journalMode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Infof("SQLite %s pool: journal mode %s, foreign keys on", poolType, journalMode)

	return nil
}

// NewSQLite opens the bastion metadata store at dbPath with default pool
// options, creating parent directories and the schema as needed.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	return NewSQLiteWithOptions(dbPath, logger, Options{})
}

// NewSQLiteWithOptions opens the bastion metadata store at dbPath with the
// given pool options.
func NewSQLiteWithOptions(dbPath string, logger *zap.SugaredLogger, opts Options) (*SQLite, error) {
	opts = opts.withDefaults()

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// In-memory databases need shared cache so both pools see one database.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}

	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write", opts.BusyTimeout); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	// WAL mode requires exactly one writer at a time.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}

	if err := configureSQLiteConnection(readDB, logger, dbPath, "read", opts.BusyTimeout); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	readDB.SetMaxOpenConns(opts.ReadPoolSize)
	readDB.SetMaxIdleConns(min(5, opts.ReadPoolSize))
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	sqlite := &SQLite{
		DB:      writeDB,
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := sqlite.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite database initialized at %s with separate read/write pools", dbPath)

	return sqlite, nil
}

// WithTransaction executes fn inside one database transaction. The
// transaction commits on clean return and rolls back on error or panic;
// there is no manual commit call.
func (s *SQLite) WithTransaction(fn func(*sql.Tx) error) error {
	start := time.Now()

	tx, err := s.WriteDB.Begin()
	if err != nil {
		metrics.DBTransactions.WithLabelValues("begin_failed").Inc()
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p) // Re-panic after rollback
		}
	}()

	if err := fn(tx); err != nil {
		metrics.DBTransactions.WithLabelValues("rollback").Inc()
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		metrics.DBTransactions.WithLabelValues("commit_failed").Inc()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.DBTransactions.WithLabelValues("commit").Inc()
	metrics.DBTransactionDuration.Observe(time.Since(start).Seconds())
	return nil
}

// createTables creates all necessary tables
func (s *SQLite) createTables() error {
	schema := `
	-- Worker process registry, heartbeat-updated
	CREATE TABLE IF NOT EXISTS services (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host TEXT NOT NULL,
		binary TEXT NOT NULL,
		topic TEXT NOT NULL,
		disabled INTEGER NOT NULL DEFAULT 0,
		report_count INTEGER NOT NULL DEFAULT 0,
		modified_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_services_topic ON services(topic);
	CREATE INDEX IF NOT EXISTS idx_services_host_binary ON services(host, binary);

	-- Schedule definitions, owned by a tenant
	CREATE TABLE IF NOT EXISTS triggers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		project_id TEXT NOT NULL,
		type TEXT NOT NULL,
		properties TEXT NOT NULL, -- JSON object, opaque to this layer
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_triggers_project_id ON triggers(project_id);

	-- A trigger bound to an operation type and definition
	CREATE TABLE IF NOT EXISTS scheduled_operations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		project_id TEXT NOT NULL,
		trigger_id TEXT NOT NULL, -- no FK: dangling references are the scheduler's concern
		operation_definition TEXT NOT NULL, -- JSON object, opaque to this layer
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_operations_trigger_id ON scheduled_operations(trigger_id);
	CREATE INDEX IF NOT EXISTS idx_scheduled_operations_project_id ON scheduled_operations(project_id);

	-- One mutable current-state row per operation
	CREATE TABLE IF NOT EXISTS scheduled_operation_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id TEXT NOT NULL UNIQUE,
		service_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		end_time_for_run DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at DATETIME
	);

	-- Append-oriented execution history
	CREATE TABLE IF NOT EXISTS scheduled_operation_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id TEXT NOT NULL,
		state TEXT NOT NULL,
		extend_info TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_operation_logs_operation_id ON scheduled_operation_logs(operation_id, created_at);

	-- Protection plans
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		status TEXT NOT NULL,
		parameters TEXT, -- JSON object
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_plans_project_id ON plans(project_id);
	CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);

	-- Resources owned exclusively by one plan; replaced wholesale on update
	CREATE TABLE IF NOT EXISTS resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plan_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at DATETIME,
		FOREIGN KEY (plan_id) REFERENCES plans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_resources_plan_id ON resources(plan_id);
	`

	_, err := s.WriteDB.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var firstErr error
	if s.WriteDB != nil {
		if err := s.WriteDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.ReadDB != nil {
		if err := s.ReadDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HealthCheck verifies both pools are reachable.
func (s *SQLite) HealthCheck() error {
	if s.WriteDB == nil || s.ReadDB == nil {
		return ErrDatabaseClosed
	}
	if err := s.WriteDB.Ping(); err != nil {
		return fmt.Errorf("write pool unhealthy: %w", err)
	}
	if err := s.ReadDB.Ping(); err != nil {
		return fmt.Errorf("read pool unhealthy: %w", err)
	}
	return nil
}

// The shared handle below exists for callers that want one process-wide
// engine. Bootstrap constructs its own *SQLite explicitly and passes it to
// every repository; tests use Dispose for teardown.
var shared struct {
	mu sync.Mutex
	db *SQLite
}

// Open returns the process-wide engine, constructing it on first call. Only
// the first caller's path and logger are used; all later callers observe
// the already-constructed instance.
func Open(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.db != nil {
		return shared.db, nil
	}
	db, err := NewSQLite(dbPath, logger)
	if err != nil {
		return nil, err
	}
	shared.db = db
	return db, nil
}

// Dispose closes the process-wide engine and drops it, used at process
// shutdown and test teardown. It is a no-op when nothing is open.
func Dispose() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.db == nil {
		return nil
	}
	err := shared.db.Close()
	shared.db = nil
	return err
}

// formatTime renders a timestamp in the storage layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp, accepting both the application's
// RFC3339 layout and the fractional-second layout sqliteNowExpr produces.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// nullableTime renders an optional timestamp for storage.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// scanNullableTime parses an optional stored timestamp.
func scanNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
