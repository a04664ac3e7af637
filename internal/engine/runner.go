package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/termgate/internal/domain"
	"github.com/xiaot623/termgate/internal/host"
	"github.com/xiaot623/termgate/internal/protocol"
	"github.com/xiaot623/termgate/internal/store"
)

// Engine errors.
var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrSessionBusy       = errors.New("a task is already running for this session")
	ErrNoActiveExecution = errors.New("no active execution for this session")
	ErrUnknownAction     = errors.New("unknown control action")
)

// Emitter publishes execution events onto the session's output channel.
// Delivery failures are the emitter's problem; the item loop never stops
// for them.
type Emitter interface {
	Emit(msg protocol.Message)
}

// RunRequest starts one execution of a named task on a session.
type RunRequest struct {
	SessionID string
	UserID    string
	TaskName  string
	Params    json.RawMessage
	Conn      host.Engine
	Emit      Emitter
}

// Runner owns the per-session execution state machines. At most one
// execution is in flight per session.
type Runner struct {
	store    store.Store
	registry *Registry

	mu     sync.Mutex
	active map[string]*execState // by session id
}

// execState guards the pause/cancel flags behind a condition variable so
// the item loop can park at item boundaries instead of polling.
type execState struct {
	executionID string
	taskName    string

	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	cancelled bool
}

func newExecState(executionID, taskName string) *execState {
	st := &execState{executionID: executionID, taskName: taskName}
	st.cond = sync.NewCond(&st.mu)
	return st
}

func (st *execState) setPaused(paused bool) {
	st.mu.Lock()
	st.paused = paused
	st.mu.Unlock()
	st.cond.Broadcast()
}

func (st *execState) cancel() {
	st.mu.Lock()
	st.cancelled = true
	st.mu.Unlock()
	st.cond.Broadcast()
}

// gate blocks while the execution is paused. It reports false once the
// execution is cancelled. onPause/onResume fire on the actual transitions,
// so pause followed by resume before the next item boundary emits nothing.
func (st *execState) gate(onPause, onResume func()) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.paused && !st.cancelled {
		onPause()
		for st.paused && !st.cancelled {
			st.cond.Wait()
		}
		if !st.cancelled {
			onResume()
		}
	}
	return !st.cancelled
}

// NewRunner creates a runner over the given store and task registry.
func NewRunner(st store.Store, registry *Registry) *Runner {
	return &Runner{
		store:    st,
		registry: registry,
		active:   make(map[string]*execState),
	}
}

// Run starts an execution and returns its id. The item loop runs on its
// own goroutine; ctx cancellation (session teardown) stops it at the next
// item boundary.
func (r *Runner) Run(ctx context.Context, req RunRequest) (string, error) {
	task, err := r.registry.Get(req.TaskName)
	if err != nil {
		return "", err
	}

	items, err := task.Items(req.Params)
	if err != nil {
		return "", fmt.Errorf("prepare items for %s: %w", req.TaskName, err)
	}

	executionID := "exec_" + uuid.New().String()[:8]
	st := newExecState(executionID, req.TaskName)

	// Reserve the session before anything observable happens.
	r.mu.Lock()
	if _, busy := r.active[req.SessionID]; busy {
		r.mu.Unlock()
		return "", ErrSessionBusy
	}
	r.active[req.SessionID] = st
	r.mu.Unlock()

	execution := &domain.Execution{
		ExecutionID: executionID,
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		TaskName:    req.TaskName,
		Status:      domain.ExecutionStatusRunning,
		Params:      req.Params,
		ItemCount:   len(items),
		StartedAt:   time.Now(),
	}
	// Persist before the first emit so observers that recover from the
	// store never miss the execution.
	if err := r.store.CreateExecution(ctx, execution); err != nil {
		log.Printf("WARN: failed to persist execution %s: %v", executionID, err)
	}

	req.Emit.Emit(protocol.NewTaskStatus(req.SessionID, protocol.TaskStatusMeta{
		ExecutionID: executionID,
		TaskName:    req.TaskName,
		Status:      string(domain.ExecutionStatusRunning),
		Message:     fmt.Sprintf("Starting %s with %d items", req.TaskName, len(items)),
	}))

	go r.runLoop(ctx, task, execution, items, st, req)

	return executionID, nil
}

// Control applies pause/resume/cancel to the session's active execution.
// Requests take effect at the next item boundary; the last request wins.
func (r *Runner) Control(sessionID, action string) error {
	r.mu.Lock()
	st, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return ErrNoActiveExecution
	}

	switch action {
	case protocol.ActionPause:
		st.setPaused(true)
	case protocol.ActionResume:
		st.setPaused(false)
	case protocol.ActionCancel:
		st.cancel()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return nil
}

// ActiveExecutionID returns the in-flight execution for a session, if any.
func (r *Runner) ActiveExecutionID(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.active[sessionID]; ok {
		return st.executionID, true
	}
	return "", false
}

func (r *Runner) runLoop(ctx context.Context, task Task, execution *domain.Execution, items []string, st *execState, req RunRequest) {
	defer func() {
		r.mu.Lock()
		delete(r.active, req.SessionID)
		r.mu.Unlock()
	}()

	sessionID := execution.SessionID
	executionID := execution.ExecutionID
	total := len(items)
	var success, failed, skipped int
	cancelled := false

	onPause := func() {
		if err := r.store.UpdateExecutionStatus(ctx, executionID, domain.ExecutionStatusPaused); err != nil {
			log.Printf("WARN: failed to persist paused status for %s: %v", executionID, err)
		}
		req.Emit.Emit(protocol.NewTaskPaused(sessionID, executionID, true, ""))
	}
	onResume := func() {
		if err := r.store.UpdateExecutionStatus(ctx, executionID, domain.ExecutionStatusRunning); err != nil {
			log.Printf("WARN: failed to persist running status for %s: %v", executionID, err)
		}
		req.Emit.Emit(protocol.NewTaskPaused(sessionID, executionID, false, ""))
	}

	for _, item := range items {
		if ctx.Err() != nil || !st.gate(onPause, onResume) {
			cancelled = true
			break
		}

		started := time.Now()
		var status domain.ItemStatus
		var itemErr string
		var data map[string]any

		if err := task.Validate(item); err != nil {
			status = domain.ItemStatusSkipped
			itemErr = err.Error()
		} else {
			result, err := task.Process(ctx, req.Conn, item)
			if err != nil {
				status = domain.ItemStatusFailed
				itemErr = err.Error()
			} else {
				status = domain.ItemStatusSuccess
				data = result
			}
		}
		completed := time.Now()

		switch status {
		case domain.ItemStatusSuccess:
			success++
		case domain.ItemStatusFailed:
			failed++
		case domain.ItemStatusSkipped:
			skipped++
		}
		processed := success + failed + skipped

		var dataJSON json.RawMessage
		if data != nil {
			dataJSON, _ = json.Marshal(data)
		}
		if err := r.store.AppendItemResult(ctx, &domain.ItemResult{
			ExecutionID: executionID,
			ItemID:      item,
			Status:      status,
			DurationMs:  completed.Sub(started).Milliseconds(),
			Error:       itemErr,
			Data:        dataJSON,
			StartedAt:   started,
			CompletedAt: completed,
		}); err != nil {
			log.Printf("WARN: failed to persist item result %s/%s: %v", executionID, item, err)
		}
		if err := r.store.UpdateExecutionCounts(ctx, executionID, success, failed, skipped); err != nil {
			log.Printf("WARN: failed to persist counts for %s: %v", executionID, err)
		}

		req.Emit.Emit(protocol.NewTaskItemResult(sessionID, protocol.TaskItemResultMeta{
			ExecutionID: executionID,
			ItemID:      item,
			Status:      string(status),
			DurationMs:  completed.Sub(started).Milliseconds(),
			Error:       itemErr,
			Data:        data,
		}))
		req.Emit.Emit(protocol.NewTaskProgress(sessionID, executionID, execution.TaskName,
			processed, total, processed, item, string(status), ""))
	}

	// Finalize with a fresh context so the terminal state is persisted
	// even when the session context is already torn down.
	r.finalize(context.Background(), execution, req, success, failed, skipped, cancelled)
}

func (r *Runner) finalize(ctx context.Context, execution *domain.Execution, req RunRequest, success, failed, skipped int, cancelled bool) {
	executionID := execution.ExecutionID
	processed := success + failed + skipped

	var status domain.ExecutionStatus
	var message, errMsg string
	switch {
	case cancelled:
		status = domain.ExecutionStatusCancelled
		message = fmt.Sprintf("Cancelled after %d of %d items", processed, execution.ItemCount)
	case failed > 0:
		status = domain.ExecutionStatusFailed
		message = fmt.Sprintf("Completed: %d succeeded, %d failed, %d skipped", success, failed, skipped)
		errMsg = fmt.Sprintf("%d of %d items failed", failed, execution.ItemCount)
	default:
		status = domain.ExecutionStatusSuccess
		message = fmt.Sprintf("Completed: %d succeeded, %d skipped", success, skipped)
	}

	if err := r.store.UpdateExecutionCompleted(ctx, executionID, status, message, errMsg); err != nil {
		log.Printf("WARN: failed to finalize execution %s: %v", executionID, err)
	}

	req.Emit.Emit(protocol.NewTaskStatus(execution.SessionID, protocol.TaskStatusMeta{
		ExecutionID: executionID,
		TaskName:    execution.TaskName,
		Status:      string(status),
		Message:     message,
		Error:       errMsg,
		DurationMs:  time.Since(execution.StartedAt).Milliseconds(),
	}))
}
