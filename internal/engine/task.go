// Package engine runs named tasks against a session's host connection:
// strictly sequential item loops with pause/resume/cancel honored at item
// boundaries and one execution per session at a time.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/termgate/internal/host"
)

// Task is a named, repeatable unit of host automation. Items are prepared
// up front from the run parameters; each item is validated and processed
// independently.
type Task interface {
	Name() string
	// Items expands the run parameters into the ordered work list.
	Items(params json.RawMessage) ([]string, error)
	// Validate checks one item before processing; an error marks the item
	// skipped without touching the host.
	Validate(item string) error
	// Process runs one item against the host connection. The returned data
	// is attached to the item result.
	Process(ctx context.Context, conn host.Engine, item string) (map[string]any, error)
}

// Registry holds the installed tasks by name.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register installs a task, replacing any previous task with the same name.
func (r *Registry) Register(task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.Name()] = task
}

// Get looks a task up by name.
func (r *Registry) Get(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return task, nil
}

// Names lists the installed task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
