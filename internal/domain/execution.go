// Package domain defines the core records persisted and exchanged by the
// gateway: sessions, task executions and per-item results.
package domain

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

// Execution statuses.
const (
	ExecutionStatusIdle      ExecutionStatus = "idle"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Active reports whether the status counts against the one-active-execution
// per session invariant.
func (s ExecutionStatus) Active() bool {
	return s == ExecutionStatusRunning || s == ExecutionStatusPaused
}

// Terminal reports whether the status is immutable.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// ItemStatus is the outcome of one processed item.
type ItemStatus string

// Item statuses.
const (
	ItemStatusSuccess ItemStatus = "success"
	ItemStatusFailed  ItemStatus = "failed"
	ItemStatusSkipped ItemStatus = "skipped"
)

// Execution is one run of a named task bound to a session.
type Execution struct {
	ExecutionID  string          `json:"execution_id"`
	SessionID    string          `json:"session_id"`
	UserID       string          `json:"user_id"`
	TaskName     string          `json:"task_name"`
	Status       ExecutionStatus `json:"status"`
	Params       json.RawMessage `json:"params,omitempty"`
	ItemCount    int             `json:"item_count"`
	SuccessCount int             `json:"success_count"`
	FailedCount  int             `json:"failed_count"`
	SkippedCount int             `json:"skipped_count"`
	Message      string          `json:"message,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Processed returns how many items have completed in any state.
func (e *Execution) Processed() int {
	return e.SuccessCount + e.FailedCount + e.SkippedCount
}

// ItemResult is the outcome of one item within an execution, appended in
// completion order.
type ItemResult struct {
	ExecutionID string          `json:"execution_id"`
	ItemID      string          `json:"item_id"`
	Status      ItemStatus      `json:"status"`
	DurationMs  int64           `json:"duration_ms"`
	Error       string          `json:"error,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}
