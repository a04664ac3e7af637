package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/termgate/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and applies migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			destroyed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			task_name TEXT NOT NULL,
			status TEXT NOT NULL,
			params TEXT,
			item_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			skipped_count INTEGER NOT NULL DEFAULT 0,
			message TEXT,
			error TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status_started ON executions(status, started_at)`,
		`CREATE TABLE IF NOT EXISTS item_results (
			execution_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			data TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL,
			PRIMARY KEY (execution_id, item_id),
			FOREIGN KEY (execution_id) REFERENCES executions(execution_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_item_results_execution ON item_results(execution_id, completed_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession records a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, status, created_at) VALUES (?, ?, ?, ?)`,
		session.SessionID, session.UserID, session.Status, session.CreatedAt)
	return err
}

// GetSession retrieves a session by ID. Returns nil when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var destroyedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, status, created_at, destroyed_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.UserID, &session.Status, &session.CreatedAt, &destroyedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if destroyedAt.Valid {
		session.DestroyedAt = &destroyedAt.Time
	}
	return &session, nil
}

// UpdateSessionStatus moves a session through its lifecycle; the destroyed
// timestamp is stamped when the session is destroyed.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	if status == domain.SessionStatusDestroyed {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, destroyed_at = ? WHERE session_id = ?`,
			status, time.Now(), sessionID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ?`,
		status, sessionID)
	return err
}

// CreateExecution records a new execution.
func (s *SQLiteStore) CreateExecution(ctx context.Context, execution *domain.Execution) error {
	var params sql.NullString
	if len(execution.Params) > 0 {
		params = sql.NullString{String: string(execution.Params), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, session_id, user_id, task_name, status, params, item_count, success_count, failed_count, skipped_count, started_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		execution.ExecutionID, execution.SessionID, execution.UserID, execution.TaskName, execution.Status, params,
		execution.ItemCount, execution.SuccessCount, execution.FailedCount, execution.SkippedCount, execution.StartedAt)
	return err
}

// GetExecution retrieves an execution by ID. Returns nil when absent.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, session_id, user_id, task_name, status, params, item_count, success_count, failed_count, skipped_count, message, error, started_at, completed_at FROM executions WHERE execution_id = ?`,
		executionID)
	return scanExecution(row)
}

// UpdateExecutionStatus changes the lifecycle state of an execution.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE execution_id = ?`,
		status, executionID)
	return err
}

// UpdateExecutionCounts overwrites the per-item counters.
func (s *SQLiteStore) UpdateExecutionCounts(ctx context.Context, executionID string, success, failed, skipped int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET success_count = ?, failed_count = ?, skipped_count = ? WHERE execution_id = ?`,
		success, failed, skipped, executionID)
	return err
}

// UpdateExecutionCompleted finalizes an execution into a terminal state.
func (s *SQLiteStore) UpdateExecutionCompleted(ctx context.Context, executionID string, status domain.ExecutionStatus, message, errMsg string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, message = ?, error = ?, completed_at = ? WHERE execution_id = ?`,
		status, nullString(message), nullString(errMsg), now, executionID)
	return err
}

// GetActiveExecution returns the running or paused execution bound to a
// session, or nil if the session is idle.
func (s *SQLiteStore) GetActiveExecution(ctx context.Context, sessionID string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, session_id, user_id, task_name, status, params, item_count, success_count, failed_count, skipped_count, message, error, started_at, completed_at
		 FROM executions
		 WHERE session_id = ? AND status IN (?, ?)
		 ORDER BY started_at DESC
		 LIMIT 1`,
		sessionID, domain.ExecutionStatusRunning, domain.ExecutionStatusPaused)
	return scanExecution(row)
}

// ListExecutions returns executions newest first, filtered by date and
// status, paginated with a keyset cursor on the started_at of the Before
// execution.
func (s *SQLiteStore) ListExecutions(ctx context.Context, q ExecutionQuery) ([]domain.Execution, error) {
	query := `SELECT execution_id, session_id, user_id, task_name, status, params, item_count, success_count, failed_count, skipped_count, message, error, started_at, completed_at FROM executions WHERE 1=1`
	args := []interface{}{}

	if q.Date != "" {
		query += ` AND date(started_at) = ?`
		args = append(args, q.Date)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, q.Status)
	}
	if q.Before != "" {
		query += ` AND started_at < (SELECT started_at FROM executions WHERE execution_id = ?)`
		args = append(args, q.Before)
	}

	query += ` ORDER BY started_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

// AppendItemResult records one item outcome. Re-appending the same
// (execution, item) pair replaces the previous row, so retried emits stay
// idempotent.
func (s *SQLiteStore) AppendItemResult(ctx context.Context, result *domain.ItemResult) error {
	var data sql.NullString
	if len(result.Data) > 0 {
		data = sql.NullString{String: string(result.Data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO item_results (execution_id, item_id, status, duration_ms, error, data, started_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ExecutionID, result.ItemID, result.Status, result.DurationMs, nullString(result.Error), data, result.StartedAt, result.CompletedAt)
	return err
}

// GetItemResults returns item results for an execution in completion
// order, optionally filtered by status.
func (s *SQLiteStore) GetItemResults(ctx context.Context, executionID string, status domain.ItemStatus) ([]domain.ItemResult, error) {
	query := `SELECT execution_id, item_id, status, duration_ms, error, data, started_at, completed_at FROM item_results WHERE execution_id = ?`
	args := []interface{}{executionID}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY completed_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ItemResult
	for rows.Next() {
		var r domain.ItemResult
		var errMsg, data sql.NullString
		if err := rows.Scan(&r.ExecutionID, &r.ItemID, &r.Status, &r.DurationMs, &errMsg, &data, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			r.Error = errMsg.String
		}
		if data.Valid {
			r.Data = json.RawMessage(data.String)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row *sql.Row) (*domain.Execution, error) {
	e, err := scanExecutionFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func scanExecutionRows(rows *sql.Rows) (*domain.Execution, error) {
	return scanExecutionFrom(rows)
}

func scanExecutionFrom(row rowScanner) (*domain.Execution, error) {
	var e domain.Execution
	var params, message, errMsg sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&e.ExecutionID, &e.SessionID, &e.UserID, &e.TaskName, &e.Status, &params,
		&e.ItemCount, &e.SuccessCount, &e.FailedCount, &e.SkippedCount, &message, &errMsg, &e.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if params.Valid {
		e.Params = json.RawMessage(params.String)
	}
	if message.Valid {
		e.Message = message.String
	}
	if errMsg.Valid {
		e.Error = errMsg.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
