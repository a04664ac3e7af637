// Package protocol defines the tagged message envelope exchanged between
// clients, the routing tier and the session gateway, plus the pub/sub
// channel naming scheme.
package protocol

import (
	"encoding/json"
	"time"
)

// Type discriminates the envelope union.
type Type string

// Message types.
const (
	TypeData             Type = "data"
	TypeResize           Type = "resize"
	TypePing             Type = "ping"
	TypePong             Type = "pong"
	TypeError            Type = "error"
	TypeSessionCreate    Type = "session.create"
	TypeSessionDestroy   Type = "session.destroy"
	TypeSessionCreated   Type = "session.created"
	TypeSessionDestroyed Type = "session.destroyed"
	TypeTaskRun          Type = "task.run"
	TypeTaskControl      Type = "task.control"
	TypeTaskStatus       Type = "task.status"
	TypeTaskPaused       Type = "task.paused"
	TypeTaskProgress     Type = "task.progress"
	TypeTaskItemResult   Type = "task.item_result"
	TypeTermScreen       Type = "term.screen"
	TypeTermCursor       Type = "term.cursor"
)

// Error codes carried in error envelopes.
const (
	ErrorCodeInvalidMessage      = "invalid_message"
	ErrorCodeUnauthorized        = "unauthorized"
	ErrorCodeInternalError       = "internal_error"
	ErrorCodeSessionBusy         = "session_busy"
	ErrorCodeSessionLimitReached = "session_limit_reached"
	ErrorCodeSessionNotFound     = "session_not_found"
	ErrorCodeUnknownTask         = "unknown_task"
	ErrorCodeConnectionFailed    = "connection_failed"
)

// DefaultEncoding is stamped on every constructed envelope.
const DefaultEncoding = "utf8"

// Base contains the common fields every envelope must carry.
type Base struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
	Encoding  string `json:"encoding"`
	Seq       int64  `json:"seq"`
	Payload   string `json:"payload"`
}

// Message is the envelope union. Decode returns exactly one of the
// concrete *Message types below; routing code switches exhaustively on
// the concrete type.
type Message interface {
	Common() *Base
}

// Common returns the shared envelope fields.
func (b *Base) Common() *Base { return b }

func newBase(t Type, sessionID, payload string) Base {
	return Base{
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Encoding:  DefaultEncoding,
		Payload:   payload,
	}
}

// DataMessage carries terminal input or output bytes in the payload.
type DataMessage struct {
	Base
	Meta json.RawMessage `json:"meta"`
}

// NewData creates a data envelope.
func NewData(sessionID, data string) *DataMessage {
	return &DataMessage{Base: newBase(TypeData, sessionID, data)}
}

// ResizeMeta is the meta shape for resize envelopes.
type ResizeMeta struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ResizeMessage requests a terminal resize.
type ResizeMessage struct {
	Base
	Meta ResizeMeta `json:"meta"`
}

// NewResize creates a resize envelope.
func NewResize(sessionID string, cols, rows int) *ResizeMessage {
	return &ResizeMessage{
		Base: newBase(TypeResize, sessionID, ""),
		Meta: ResizeMeta{Cols: cols, Rows: rows},
	}
}

// PingMessage is a liveness probe; the routing tier answers it directly.
type PingMessage struct {
	Base
	Meta json.RawMessage `json:"meta"`
}

// NewPing creates a ping envelope.
func NewPing(sessionID string) *PingMessage {
	return &PingMessage{Base: newBase(TypePing, sessionID, "")}
}

// PongMessage answers a ping.
type PongMessage struct {
	Base
	Meta json.RawMessage `json:"meta"`
}

// NewPong creates a pong envelope.
func NewPong(sessionID string) *PongMessage {
	return &PongMessage{Base: newBase(TypePong, sessionID, "")}
}

// ErrorMeta is the meta shape for error envelopes.
type ErrorMeta struct {
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorMessage reports a failure; payload carries the human-readable text.
type ErrorMessage struct {
	Base
	Meta ErrorMeta `json:"meta"`
}

// NewError creates an error envelope.
func NewError(sessionID, code, message string) *ErrorMessage {
	return &ErrorMessage{
		Base: newBase(TypeError, sessionID, message),
		Meta: ErrorMeta{Code: code},
	}
}

// SessionCreateMeta is the optional meta shape for session.create.
type SessionCreateMeta struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// SessionCreateMessage asks the gateway to bootstrap a host session.
type SessionCreateMessage struct {
	Base
	Meta *SessionCreateMeta `json:"meta"`
}

// NewSessionCreate creates a session.create envelope.
func NewSessionCreate(sessionID string, meta *SessionCreateMeta) *SessionCreateMessage {
	return &SessionCreateMessage{Base: newBase(TypeSessionCreate, sessionID, ""), Meta: meta}
}

// SessionDestroyMessage explicitly tears down a session and its host
// connection. This is the only path that does.
type SessionDestroyMessage struct {
	Base
	Meta json.RawMessage `json:"meta"`
}

// NewSessionDestroy creates a session.destroy envelope.
func NewSessionDestroy(sessionID string) *SessionDestroyMessage {
	return &SessionDestroyMessage{Base: newBase(TypeSessionDestroy, sessionID, "")}
}

// SessionCreatedMeta is the meta shape for session.created.
type SessionCreatedMeta struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SessionCreatedMessage confirms a host session is up.
type SessionCreatedMessage struct {
	Base
	Meta SessionCreatedMeta `json:"meta"`
}

// NewSessionCreated creates a session.created envelope.
func NewSessionCreated(sessionID, host string, port int) *SessionCreatedMessage {
	return &SessionCreatedMessage{
		Base: newBase(TypeSessionCreated, sessionID, ""),
		Meta: SessionCreatedMeta{Host: host, Port: port},
	}
}

// SessionDestroyedMeta is the optional meta shape for session.destroyed.
type SessionDestroyedMeta struct {
	Reason string `json:"reason,omitempty"`
}

// SessionDestroyedMessage confirms a host session is gone.
type SessionDestroyedMessage struct {
	Base
	Meta *SessionDestroyedMeta `json:"meta"`
}

// NewSessionDestroyed creates a session.destroyed envelope.
func NewSessionDestroyed(sessionID, reason string) *SessionDestroyedMessage {
	return &SessionDestroyedMessage{
		Base: newBase(TypeSessionDestroyed, sessionID, reason),
		Meta: &SessionDestroyedMeta{Reason: reason},
	}
}

// TaskRunMeta is the meta shape for task.run.
type TaskRunMeta struct {
	TaskName string         `json:"taskName"`
	Params   map[string]any `json:"params,omitempty"`
}

// TaskRunMessage asks the engine to start a named task on the session.
type TaskRunMessage struct {
	Base
	Meta TaskRunMeta `json:"meta"`
}

// NewTaskRun creates a task.run envelope.
func NewTaskRun(sessionID, taskName string, params map[string]any) *TaskRunMessage {
	return &TaskRunMessage{
		Base: newBase(TypeTaskRun, sessionID, ""),
		Meta: TaskRunMeta{TaskName: taskName, Params: params},
	}
}

// Control actions accepted by task.control.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionCancel = "cancel"
)

// TaskControlMeta is the meta shape for task.control.
type TaskControlMeta struct {
	Action string `json:"action"`
}

// TaskControlMessage pauses, resumes or cancels the session's execution.
type TaskControlMessage struct {
	Base
	Meta TaskControlMeta `json:"meta"`
}

// NewTaskControl creates a task.control envelope.
func NewTaskControl(sessionID, action string) *TaskControlMessage {
	return &TaskControlMessage{
		Base: newBase(TypeTaskControl, sessionID, ""),
		Meta: TaskControlMeta{Action: action},
	}
}

// TaskStatusMeta is the meta shape for task.status.
type TaskStatusMeta struct {
	ExecutionID string         `json:"executionId"`
	TaskName    string         `json:"taskName"`
	Status      string         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// TaskStatusMessage reports an execution status transition.
type TaskStatusMessage struct {
	Base
	Meta TaskStatusMeta `json:"meta"`
}

// NewTaskStatus creates a task.status envelope.
func NewTaskStatus(sessionID string, meta TaskStatusMeta) *TaskStatusMessage {
	return &TaskStatusMessage{
		Base: newBase(TypeTaskStatus, sessionID, meta.Message),
		Meta: meta,
	}
}

// TaskPausedMeta is the meta shape for task.paused.
type TaskPausedMeta struct {
	ExecutionID string `json:"executionId"`
	Paused      bool   `json:"paused"`
	Message     string `json:"message,omitempty"`
}

// TaskPausedMessage reports a pause-state change.
type TaskPausedMessage struct {
	Base
	Meta TaskPausedMeta `json:"meta"`
}

// NewTaskPaused creates a task.paused envelope.
func NewTaskPaused(sessionID, executionID string, paused bool, message string) *TaskPausedMessage {
	if message == "" {
		if paused {
			message = "Paused"
		} else {
			message = "Resumed"
		}
	}
	return &TaskPausedMessage{
		Base: newBase(TypeTaskPaused, sessionID, message),
		Meta: TaskPausedMeta{ExecutionID: executionID, Paused: paused, Message: message},
	}
}

// TaskProgressMeta is the meta shape for task.progress.
type TaskProgressMeta struct {
	ExecutionID string `json:"executionId"`
	TaskName    string `json:"taskName"`
	Current     int    `json:"current"`
	Total       int    `json:"total"`
	Percent     int    `json:"percent"`
	CurrentItem string `json:"currentItem,omitempty"`
	ItemStatus  string `json:"itemStatus,omitempty"`
	Message     string `json:"message,omitempty"`
}

// TaskProgressMessage reports item-loop progress.
type TaskProgressMessage struct {
	Base
	Meta TaskProgressMeta `json:"meta"`
}

// Percent computes the progress percentage for processed items out of total.
func Percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(float64(processed)/float64(total)*100 + 0.5)
}

// NewTaskProgress creates a task.progress envelope. processed counts the
// items already completed (success+failed+skipped).
func NewTaskProgress(sessionID, executionID, taskName string, current, total, processed int, currentItem, itemStatus, message string) *TaskProgressMessage {
	if message == "" {
		message = "Processing"
	}
	return &TaskProgressMessage{
		Base: newBase(TypeTaskProgress, sessionID, message),
		Meta: TaskProgressMeta{
			ExecutionID: executionID,
			TaskName:    taskName,
			Current:     current,
			Total:       total,
			Percent:     Percent(processed, total),
			CurrentItem: currentItem,
			ItemStatus:  itemStatus,
			Message:     message,
		},
	}
}

// TaskItemResultMeta is the meta shape for task.item_result.
type TaskItemResultMeta struct {
	ExecutionID string         `json:"executionId"`
	ItemID      string         `json:"itemId"`
	Status      string         `json:"status"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	Error       string         `json:"error,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// TaskItemResultMessage reports the outcome of one item.
type TaskItemResultMessage struct {
	Base
	Meta TaskItemResultMeta `json:"meta"`
}

// NewTaskItemResult creates a task.item_result envelope.
func NewTaskItemResult(sessionID string, meta TaskItemResultMeta) *TaskItemResultMessage {
	return &TaskItemResultMessage{
		Base: newBase(TypeTaskItemResult, sessionID, meta.ItemID),
		Meta: meta,
	}
}

// Field describes one display field reported by the host engine.
type Field struct {
	Start       int  `json:"start"`
	End         int  `json:"end"`
	Protected   bool `json:"protected"`
	Intensified bool `json:"intensified"`
	Row         int  `json:"row"`
	Col         int  `json:"col"`
	Length      int  `json:"length"`
}

// TermScreenMeta is the meta shape for term.screen.
type TermScreenMeta struct {
	Fields    []Field `json:"fields"`
	CursorRow int     `json:"cursorRow"`
	CursorCol int     `json:"cursorCol"`
	Rows      int     `json:"rows"`
	Cols      int     `json:"cols"`
}

// TermScreenMessage pushes a rendered screen; payload holds the text.
type TermScreenMessage struct {
	Base
	Meta TermScreenMeta `json:"meta"`
}

// NewTermScreen creates a term.screen envelope.
func NewTermScreen(sessionID, rendered string, meta TermScreenMeta) *TermScreenMessage {
	return &TermScreenMessage{
		Base: newBase(TypeTermScreen, sessionID, rendered),
		Meta: meta,
	}
}

// TermCursorMeta is the meta shape for term.cursor.
type TermCursorMeta struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// TermCursorMessage pushes a cursor move.
type TermCursorMessage struct {
	Base
	Meta TermCursorMeta `json:"meta"`
}

// NewTermCursor creates a term.cursor envelope.
func NewTermCursor(sessionID string, row, col int) *TermCursorMessage {
	return &TermCursorMessage{
		Base: newBase(TypeTermCursor, sessionID, ""),
		Meta: TermCursorMeta{Row: row, Col: col},
	}
}
