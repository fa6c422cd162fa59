package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dshills/durable-go/durable"
)

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	name             string
	selectToken      string
	upsertOperation  string
	upsertCallback   string
	upsertInvocation string
}

// sqlStore implements Store on database/sql. SQLiteStore and MySQLStore
// embed it with their own schema and dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

func (s *sqlStore) checkOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// CreateExecution records a new execution and its root operation in one
// transaction.
func (s *sqlStore) CreateExecution(ctx context.Context, exec Execution, root durable.Operation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	errJSON, err := encodeError(exec.Error)
	if err != nil {
		return err
	}
	rootJSON, err := encodeOperation(root)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM durable_executions WHERE arn = ?", exec.Arn).Scan(&n); err != nil {
			return fmt.Errorf("failed to check execution: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: execution %s", ErrAlreadyExists, exec.Arn)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO durable_executions
				(arn, name, function_name, status, token, result, error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			exec.Arn, exec.Name, exec.FunctionName, string(exec.Status), exec.Token,
			exec.Result, errJSON, toMillis(exec.CreatedAt), toMillis(exec.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.upsertOperation,
			exec.Arn, root.ID, callbackIDOf(root), rootJSON); err != nil {
			return fmt.Errorf("failed to insert root operation: %w", err)
		}
		return nil
	})
}

// GetExecution returns the execution record.
func (s *sqlStore) GetExecution(ctx context.Context, arn string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return Execution{}, err
	}
	return s.getExecutionLocked(ctx, arn)
}

// UpdateExecution replaces the mutable fields of an execution.
func (s *sqlStore) UpdateExecution(ctx context.Context, exec Execution) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	errJSON, err := encodeError(exec.Error)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE durable_executions
		SET status = ?, token = ?, result = ?, error = ?, updated_at = ?
		WHERE arn = ?`,
		string(exec.Status), exec.Token, exec.Result, errJSON, toMillis(exec.UpdatedAt), exec.Arn)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL reports zero rows when nothing changed, so confirm existence.
		if _, gerr := s.getExecutionLocked(ctx, exec.Arn); gerr != nil {
			return gerr
		}
	}
	return nil
}

func (s *sqlStore) getExecutionLocked(ctx context.Context, arn string) (Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT arn, name, function_name, status, token, result, error, created_at, updated_at
		FROM durable_executions WHERE arn = ?`, arn)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	return exec, err
}

// ListExecutions returns executions in creation order.
func (s *sqlStore) ListExecutions(ctx context.Context, status ExecutionStatus) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT arn, name, function_name, status, token, result, error, created_at, updated_at
		FROM durable_executions`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

// Append inserts or replaces operations, swapping the token when asked.
func (s *sqlStore) Append(ctx context.Context, arn string, swap *TokenSwap, ops ...durable.Operation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	encoded := make([]string, len(ops))
	for i, op := range ops {
		data, err := encodeOperation(op)
		if err != nil {
			return err
		}
		encoded[i] = data
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var token string
		err := tx.QueryRowContext(ctx, s.dialect.selectToken, arn).Scan(&token)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		if swap != nil {
			if token != swap.From {
				return ErrTokenMismatch
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE durable_executions SET token = ? WHERE arn = ?", swap.To, arn); err != nil {
				return fmt.Errorf("failed to rotate token: %w", err)
			}
		}
		for i, op := range ops {
			if _, err := tx.ExecContext(ctx, s.dialect.upsertOperation,
				arn, op.ID, callbackIDOf(op), encoded[i]); err != nil {
				return fmt.Errorf("failed to save operation %s: %w", op.ID, err)
			}
		}
		return nil
	})
}

// Operations returns the execution's operations in insertion order.
func (s *sqlStore) Operations(ctx context.Context, arn string) ([]durable.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := s.getExecutionLocked(ctx, arn); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM durable_operations WHERE arn = ? ORDER BY id ASC", arn)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []durable.Operation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op, err := decodeOperation(data)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return out, nil
}

// Operation returns one operation.
func (s *sqlStore) Operation(ctx context.Context, arn, id string) (durable.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return durable.Operation{}, err
	}
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM durable_operations WHERE arn = ? AND op_id = ?", arn, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return durable.Operation{}, ErrNotFound
	}
	if err != nil {
		return durable.Operation{}, fmt.Errorf("failed to query operation: %w", err)
	}
	return decodeOperation(data)
}

// SaveCallback inserts or replaces a callback registration.
func (s *sqlStore) SaveCallback(ctx context.Context, cb Callback) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.dialect.upsertCallback,
		cb.ID, cb.Arn, cb.OperationID, toMillis(cb.TimeoutAt),
		cb.HeartbeatTimeout.Milliseconds(), toMillis(cb.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("failed to save callback: %w", err)
	}
	return nil
}

// GetCallback returns a callback by id.
func (s *sqlStore) GetCallback(ctx context.Context, callbackID string) (Callback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return Callback{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT callback_id, arn, op_id, timeout_at, heartbeat_timeout_ms, last_heartbeat
		FROM durable_callbacks WHERE callback_id = ?`, callbackID)
	cb, err := scanCallback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Callback{}, ErrNotFound
	}
	return cb, err
}

// Callbacks returns the callbacks of an execution ordered by id.
func (s *sqlStore) Callbacks(ctx context.Context, arn string) ([]Callback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT callback_id, arn, op_id, timeout_at, heartbeat_timeout_ms, last_heartbeat
		FROM durable_callbacks WHERE arn = ? ORDER BY callback_id ASC`, arn)
	if err != nil {
		return nil, fmt.Errorf("failed to query callbacks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Callback
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating callbacks: %w", err)
	}
	return out, nil
}

// SaveInvocation inserts or replaces an invocation record.
func (s *sqlStore) SaveInvocation(ctx context.Context, inv Invocation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	errJSON, err := encodeError(inv.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsertInvocation,
		inv.ID, inv.Arn, toMillis(inv.StartedAt), toMillis(inv.CompletedAt), string(inv.Status), errJSON)
	if err != nil {
		return fmt.Errorf("failed to save invocation: %w", err)
	}
	return nil
}

// Invocations returns the invocations of an execution in start order.
func (s *sqlStore) Invocations(ctx context.Context, arn string) ([]Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT invocation_id, arn, started_at, completed_at, status, error
		FROM durable_invocations WHERE arn = ? ORDER BY id ASC`, arn)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Invocation
	for rows.Next() {
		var (
			inv                Invocation
			started, completed int64
			status             string
			errJSON            sql.NullString
		)
		if err := rows.Scan(&inv.ID, &inv.Arn, &started, &completed, &status, &errJSON); err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		inv.StartedAt = fromMillis(started)
		inv.CompletedAt = fromMillis(completed)
		inv.Status = durable.InvocationStatus(status)
		if inv.Error, err = decodeError(nullString(errJSON)); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invocations: %w", err)
	}
	return out, nil
}

// Close closes the database connection. It is safe to call more than once.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *sqlStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback() // Ignore rollback error when already returning error
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (Execution, error) {
	var (
		exec             Execution
		status           string
		result, errJSON  sql.NullString
		created, updated int64
	)
	if err := row.Scan(&exec.Arn, &exec.Name, &exec.FunctionName, &status, &exec.Token,
		&result, &errJSON, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return exec, err
		}
		return exec, fmt.Errorf("failed to scan execution: %w", err)
	}
	exec.Status = ExecutionStatus(status)
	exec.Result = nullString(result)
	exec.CreatedAt = fromMillis(created)
	exec.UpdatedAt = fromMillis(updated)
	var err error
	if exec.Error, err = decodeError(nullString(errJSON)); err != nil {
		return exec, err
	}
	return exec, nil
}

func scanCallback(row scanner) (Callback, error) {
	var (
		cb                          Callback
		timeoutAt, hbMillis, lastHB int64
	)
	if err := row.Scan(&cb.ID, &cb.Arn, &cb.OperationID, &timeoutAt, &hbMillis, &lastHB); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cb, err
		}
		return cb, fmt.Errorf("failed to scan callback: %w", err)
	}
	cb.TimeoutAt = fromMillis(timeoutAt)
	cb.HeartbeatTimeout = time.Duration(hbMillis) * time.Millisecond
	cb.LastHeartbeat = fromMillis(lastHB)
	return cb, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// Times are stored as Unix milliseconds; 0 is the zero time.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
