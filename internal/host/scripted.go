package host

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/termgate/internal/protocol"
)

// ScreenSpec is one screen in a scripted host session.
type ScreenSpec struct {
	Text      string
	CursorRow int
	CursorCol int
	Fields    []protocol.Field
}

// Script drives a ScriptedEngine. Every submitted input (Enter, PF,
// Clear, Send) advances to the next screen; with Loop set the script
// wraps around, which suits repetitive task flows.
type Script struct {
	Screens []ScreenSpec
	Loop    bool
}

// ScriptedEngine replays a canned screen sequence. It backs local
// development without a reachable host and the task-execution tests.
type ScriptedEngine struct {
	mu      sync.Mutex
	script  Script
	idx     int
	filled  []string
	updates chan Update
	closed  bool
	rows    int
	cols    int
}

// NewScripted builds an engine positioned on the script's first screen.
func NewScripted(script Script, rows, cols int) *ScriptedEngine {
	if len(script.Screens) == 0 {
		script.Screens = []ScreenSpec{{}}
	}
	return &ScriptedEngine{
		script:  script,
		updates: make(chan Update, 16),
		rows:    rows,
		cols:    cols,
	}
}

// ScriptedFactory adapts a script to the Factory signature; every session
// gets its own replay of the same script.
func ScriptedFactory(script Script) Factory {
	return func(_ context.Context, _ string, _ int, rows, cols int) (Engine, error) {
		return NewScripted(script, rows, cols), nil
	}
}

// FilledValues returns every value written with FillField, in order.
func (e *ScriptedEngine) FilledValues() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.filled))
	copy(out, e.filled)
	return out
}

func (e *ScriptedEngine) current() ScreenSpec {
	return e.script.Screens[e.idx]
}

func (e *ScriptedEngine) advance() {
	if e.closed {
		return
	}
	if e.idx+1 < len(e.script.Screens) {
		e.idx++
	} else if e.script.Loop {
		e.idx = 0
	}
	cur := e.current()
	select {
	case e.updates <- Update{Screen: cur.Text, CursorRow: cur.CursorRow, CursorCol: cur.CursorCol, Fields: cur.Fields}:
	default:
	}
}

// Send submits raw input and advances the script.
func (e *ScriptedEngine) Send(string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.advance()
	return nil
}

// Resize records the new dimensions.
func (e *ScriptedEngine) Resize(rows, cols int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.rows, e.cols = rows, cols
	return nil
}

// Screen returns the current screen text.
func (e *ScriptedEngine) Screen() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current().Text
}

// Cursor returns the scripted cursor position.
func (e *ScriptedEngine) Cursor() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.current()
	return cur.CursorRow, cur.CursorCol
}

// Fields returns the scripted field layout.
func (e *ScriptedEngine) Fields() []protocol.Field {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current().Fields
}

// Updates delivers screen changes triggered by submitted input.
func (e *ScriptedEngine) Updates() <-chan Update {
	return e.updates
}

// WaitForText polls the current screen until the text appears or the
// context expires.
func (e *ScriptedEngine) WaitForText(ctx context.Context, text string) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.ScreenContains(text) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// FillField records the value; scripted screens don't track per-field
// content.
func (e *ScriptedEngine) FillField(_, _ int, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.filled = append(e.filled, value)
	return nil
}

// Enter submits the screen and advances the script.
func (e *ScriptedEngine) Enter() error { return e.Send("\n") }

// PF submits a function key and advances the script.
func (e *ScriptedEngine) PF(int) error { return e.Send("") }

// Clear submits a clear and advances the script.
func (e *ScriptedEngine) Clear() error { return e.Send("") }

// ScreenContains reports whether the current screen shows the text.
func (e *ScriptedEngine) ScreenContains(text string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Contains(e.current().Text, text)
}

// Close ends the replay.
func (e *ScriptedEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.updates)
	return nil
}
