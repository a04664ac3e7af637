// Package store persists sessions, executions and item results so their
// history survives client disconnects and process restarts.
package store

import (
	"context"

	"github.com/xiaot623/termgate/internal/domain"
)

// ExecutionQuery narrows ListExecutions. Zero values mean "no filter";
// Before is an execution id used as a keyset cursor (rows strictly older
// than it are returned).
type ExecutionQuery struct {
	Date   string // YYYY-MM-DD, matched against started_at
	Status domain.ExecutionStatus
	Limit  int
	Before string
}

// Store is the durable record of sessions and task executions.
type Store interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error

	CreateExecution(ctx context.Context, execution *domain.Execution) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus) error
	UpdateExecutionCounts(ctx context.Context, executionID string, success, failed, skipped int) error
	UpdateExecutionCompleted(ctx context.Context, executionID string, status domain.ExecutionStatus, message, errMsg string) error
	GetActiveExecution(ctx context.Context, sessionID string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, q ExecutionQuery) ([]domain.Execution, error)

	AppendItemResult(ctx context.Context, result *domain.ItemResult) error
	GetItemResults(ctx context.Context, executionID string, status domain.ItemStatus) ([]domain.ItemResult, error)

	Close() error
}
