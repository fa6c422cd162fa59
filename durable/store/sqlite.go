package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It stores execution logs in a single-file database.
// Designed for:
//   - Development and testing with zero setup
//   - A single log server process
//   - Local runs that must survive restarts
//
// SQLiteStore uses WAL mode for concurrent reads and transactions for every
// multi-row write.
//
// Schema:
//   - durable_executions: One row per execution with its current token
//   - durable_operations: Operation records as JSON, in creation order
//   - durable_callbacks: Callback ids with timeout bookkeeping
//   - durable_invocations: Handler invocations and their outcome
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./durable.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore("./durable.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)    // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)    // Keep connection open
	db.SetConnMaxLifetime(0) // No max lifetime for SQLite

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close() // Ignore close error when returning pragma error
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: sqlStore{db: db, dialect: sqliteDialect},
		path:     path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning table creation error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

var sqliteDialect = dialect{
	name:        "sqlite",
	selectToken: "SELECT token FROM durable_executions WHERE arn = ?",
	upsertOperation: `
		INSERT INTO durable_operations (arn, op_id, callback_id, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(arn, op_id) DO UPDATE SET callback_id = excluded.callback_id, data = excluded.data`,
	upsertCallback: `
		INSERT INTO durable_callbacks
			(callback_id, arn, op_id, timeout_at, heartbeat_timeout_ms, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(callback_id) DO UPDATE SET
			timeout_at = excluded.timeout_at,
			heartbeat_timeout_ms = excluded.heartbeat_timeout_ms,
			last_heartbeat = excluded.last_heartbeat`,
	upsertInvocation: `
		INSERT INTO durable_invocations (invocation_id, arn, started_at, completed_at, status, error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(invocation_id) DO UPDATE SET
			completed_at = excluded.completed_at,
			status = excluded.status,
			error = excluded.error`,
}

// createTables creates the schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS durable_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			arn TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			function_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			token TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_executions_status ON durable_executions(status)",
		`CREATE TABLE IF NOT EXISTS durable_operations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			arn TEXT NOT NULL,
			op_id TEXT NOT NULL,
			callback_id TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL,
			UNIQUE(arn, op_id)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_operations_arn ON durable_operations(arn)",
		`CREATE TABLE IF NOT EXISTS durable_callbacks (
			callback_id TEXT PRIMARY KEY,
			arn TEXT NOT NULL,
			op_id TEXT NOT NULL,
			timeout_at INTEGER NOT NULL DEFAULT 0,
			heartbeat_timeout_ms INTEGER NOT NULL DEFAULT 0,
			last_heartbeat INTEGER NOT NULL DEFAULT 0
		)`,
		"CREATE INDEX IF NOT EXISTS idx_callbacks_arn ON durable_callbacks(arn)",
		`CREATE TABLE IF NOT EXISTS durable_invocations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invocation_id TEXT NOT NULL UNIQUE,
			arn TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			error TEXT
		)`,
		"CREATE INDEX IF NOT EXISTS idx_invocations_arn ON durable_invocations(arn)",
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}
