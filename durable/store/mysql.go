package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Log servers that must survive restarts
//   - Several log server replicas sharing one database
//
// Token rotation locks the execution row (SELECT ... FOR UPDATE), so
// concurrent checkpoints against the same execution from different
// processes are serialized by the database.
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Read the DSN from the
//	environment or from the configuration file:
//	    dsn := os.Getenv("DURABLE_MYSQL_DSN")
//
// Example:
//
//	st, err := store.NewMySQLStore("user:pass@tcp(localhost:3306)/durable")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)                  // Maximum open connections
	db.SetMaxIdleConns(5)                   // Keep idle connections for reuse
	db.SetConnMaxLifetime(5 * time.Minute)  // Max connection lifetime (prevent stale connections)
	db.SetConnMaxIdleTime(10 * time.Minute) // Max idle time before closing

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{sqlStore: sqlStore{db: db, dialect: mysqlDialect}}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

var mysqlDialect = dialect{
	name:        "mysql",
	selectToken: "SELECT token FROM durable_executions WHERE arn = ? FOR UPDATE",
	upsertOperation: `
		INSERT INTO durable_operations (arn, op_id, callback_id, data) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE callback_id = VALUES(callback_id), data = VALUES(data)`,
	upsertCallback: `
		INSERT INTO durable_callbacks
			(callback_id, arn, op_id, timeout_at, heartbeat_timeout_ms, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			timeout_at = VALUES(timeout_at),
			heartbeat_timeout_ms = VALUES(heartbeat_timeout_ms),
			last_heartbeat = VALUES(last_heartbeat)`,
	upsertInvocation: `
		INSERT INTO durable_invocations (invocation_id, arn, started_at, completed_at, status, error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			completed_at = VALUES(completed_at),
			status = VALUES(status),
			error = VALUES(error)`,
}

// createTables creates the schema if it doesn't exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS durable_executions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			arn VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			function_name VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			token VARCHAR(64) NOT NULL,
			result LONGTEXT NULL,
			error TEXT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE KEY unique_arn (arn),
			INDEX idx_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS durable_operations (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			arn VARCHAR(255) NOT NULL,
			op_id VARCHAR(64) NOT NULL,
			callback_id VARCHAR(64) NOT NULL DEFAULT '',
			data LONGTEXT NOT NULL,
			UNIQUE KEY unique_arn_op (arn, op_id),
			INDEX idx_arn (arn)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS durable_callbacks (
			callback_id VARCHAR(64) PRIMARY KEY,
			arn VARCHAR(255) NOT NULL,
			op_id VARCHAR(64) NOT NULL,
			timeout_at BIGINT NOT NULL DEFAULT 0,
			heartbeat_timeout_ms BIGINT NOT NULL DEFAULT 0,
			last_heartbeat BIGINT NOT NULL DEFAULT 0,
			INDEX idx_arn (arn)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS durable_invocations (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			invocation_id VARCHAR(64) NOT NULL,
			arn VARCHAR(255) NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL DEFAULT '',
			error TEXT NULL,
			UNIQUE KEY unique_invocation (invocation_id),
			INDEX idx_arn (arn)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Stats returns database connection pool statistics.
//
// Useful for monitoring connection usage and pool health.
func (m *MySQLStore) Stats() sql.DBStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.db.Stats()
}
