package host

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/termgate/internal/protocol"
)

// Keep roughly four screens of history so WaitForText can match output
// that scrolled past between polls.
const streamHistoryScreens = 4

// StreamEngine treats the host as a raw character stream over TCP. It
// renders the tail of the stream as the screen and maps scripted
// interactions onto plain keystrokes.
type StreamEngine struct {
	conn net.Conn

	mu      sync.Mutex
	buf     []byte
	rows    int
	cols    int
	closed  bool
	updates chan Update
	done    chan struct{}
}

// DialStream connects to the host over TCP.
func DialStream(ctx context.Context, addr string, port, rows, cols int) (Engine, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("dial host %s:%d: %w", addr, port, err)
	}
	e := &StreamEngine{
		conn:    conn,
		rows:    rows,
		cols:    cols,
		updates: make(chan Update, 16),
		done:    make(chan struct{}),
	}
	go e.readLoop()
	return e, nil
}

func (e *StreamEngine) readLoop() {
	chunk := make([]byte, 4096)
	for {
		n, err := e.conn.Read(chunk)
		if n > 0 {
			e.mu.Lock()
			e.buf = append(e.buf, chunk[:n]...)
			if max := e.rows * e.cols * streamHistoryScreens; len(e.buf) > max {
				e.buf = e.buf[len(e.buf)-max:]
			}
			screen := e.renderLocked()
			e.mu.Unlock()

			select {
			case e.updates <- Update{Screen: screen}:
			default:
			}
		}
		if err != nil {
			e.mu.Lock()
			if !e.closed {
				e.closed = true
				close(e.updates)
			}
			e.mu.Unlock()
			close(e.done)
			return
		}
	}
}

// renderLocked returns the last rows*cols bytes of the stream as text.
func (e *StreamEngine) renderLocked() string {
	size := e.rows * e.cols
	if len(e.buf) <= size {
		return string(e.buf)
	}
	return string(e.buf[len(e.buf)-size:])
}

// Send writes raw keystrokes to the host.
func (e *StreamEngine) Send(data string) error {
	if _, err := e.conn.Write([]byte(data)); err != nil {
		return fmt.Errorf("write to host: %w", err)
	}
	return nil
}

// Resize changes the rendered window; the raw stream itself is not
// renegotiated.
func (e *StreamEngine) Resize(rows, cols int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.rows, e.cols = rows, cols
	return nil
}

// Screen returns the rendered tail of the stream.
func (e *StreamEngine) Screen() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.renderLocked()
}

// Cursor is always the end of the stream.
func (e *StreamEngine) Cursor() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.renderLocked())
	if e.cols == 0 {
		return 0, 0
	}
	return n / e.cols, n % e.cols
}

// Fields is empty; a raw stream has no field layout.
func (e *StreamEngine) Fields() []protocol.Field { return nil }

// Updates delivers host output as it arrives.
func (e *StreamEngine) Updates() <-chan Update { return e.updates }

// WaitForText polls the stream tail until the text appears or the context
// expires.
func (e *StreamEngine) WaitForText(ctx context.Context, text string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.ScreenContains(text) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrTimeout
		case <-e.done:
			return ErrClosed
		case <-ticker.C:
		}
	}
}

// FillField types the value at the current position.
func (e *StreamEngine) FillField(_, _ int, value string) error {
	return e.Send(value)
}

// Enter submits the current line.
func (e *StreamEngine) Enter() error { return e.Send("\r\n") }

// PF sends a function key as an xterm escape sequence.
func (e *StreamEngine) PF(n int) error {
	seqs := map[int]string{
		1: "\x1bOP", 2: "\x1bOQ", 3: "\x1bOR", 4: "\x1bOS",
		5: "\x1b[15~", 6: "\x1b[17~", 7: "\x1b[18~", 8: "\x1b[19~",
		9: "\x1b[20~", 10: "\x1b[21~", 11: "\x1b[23~", 12: "\x1b[24~",
	}
	seq, ok := seqs[n]
	if !ok {
		return fmt.Errorf("unsupported function key PF%d", n)
	}
	return e.Send(seq)
}

// Clear sends a form feed and drops the rendered history.
func (e *StreamEngine) Clear() error {
	e.mu.Lock()
	e.buf = nil
	e.mu.Unlock()
	return e.Send("\x0c")
}

// ScreenContains reports whether the rendered tail shows the text.
func (e *StreamEngine) ScreenContains(text string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Contains(string(e.buf), text)
}

// Close shuts the connection down; the read loop drains and closes
// Updates.
func (e *StreamEngine) Close() error {
	return e.conn.Close()
}
