// Package host abstracts the terminal host connection behind a small
// engine interface. Callers never see the underlying datastream; they
// work with rendered screens, fields and scripted interactions.
package host

import (
	"context"
	"errors"

	"github.com/xiaot623/termgate/internal/protocol"
)

// Engine errors.
var (
	ErrClosed  = errors.New("host connection closed")
	ErrTimeout = errors.New("timed out waiting for host screen")
)

// Update is an asynchronous host-driven screen change.
type Update struct {
	Screen    string
	CursorRow int
	CursorCol int
	Fields    []protocol.Field
}

// Engine is one live connection to a terminal host. Implementations are
// safe for use by a single goroutine at a time; the session gateway
// serializes access.
type Engine interface {
	// Send delivers raw client keystrokes to the host.
	Send(data string) error
	// Resize renegotiates the terminal dimensions.
	Resize(rows, cols int) error
	// Screen returns the current rendered screen text.
	Screen() string
	// Cursor returns the current cursor position.
	Cursor() (row, col int)
	// Fields returns the current screen's field layout.
	Fields() []protocol.Field
	// Updates delivers host-driven screen changes until Close.
	Updates() <-chan Update

	// Scripted interaction, used by task execution.
	WaitForText(ctx context.Context, text string) error
	FillField(row, col int, value string) error
	Enter() error
	PF(n int) error
	Clear() error
	ScreenContains(text string) bool

	Close() error
}

// Factory opens a new host connection for a session.
type Factory func(ctx context.Context, addr string, port, rows, cols int) (Engine, error)
