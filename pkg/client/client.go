// Package client is the Go SDK for the gateway: a session-bound WebSocket
// connection with automatic reconnection, plus execution observation that
// recovers in-flight state from the query API after a reconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/termgate/internal/domain"
	"github.com/xiaot623/termgate/internal/protocol"
)

// ErrNoActiveExecution is returned by ObserveExecution when the session
// has nothing running or paused.
var ErrNoActiveExecution = errors.New("no active execution for this session")

// Options configures a client.
type Options struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8090/ws.
	URL string
	// APIURL is the gateway query API base, e.g. http://localhost:8092.
	// Only needed for ObserveExecution.
	APIURL string
	// Token is the bearer token; it travels as a query parameter because
	// WebSocket dials cannot carry custom headers.
	Token string
	// SessionID binds the connection to a session. Empty generates one.
	SessionID string

	// Reconnect policy. Zero values take the defaults.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	WriteTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.SessionID == "" {
		o.SessionID = "sess_" + uuid.New().String()[:8]
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.BaseBackoff == 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Client is a session-bound gateway connection.
type Client struct {
	opts Options
	http *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
	seq  int64

	msgs chan protocol.Message
	errs chan error
	done chan struct{}

	closeOnce sync.Once
}

// Dial connects and starts the read loop.
func Dial(opts Options) (*Client, error) {
	opts.withDefaults()
	c := &Client{
		opts: opts,
		http: &http.Client{Timeout: 10 * time.Second},
		msgs: make(chan protocol.Message, 64),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// SessionID returns the session this client is bound to.
func (c *Client) SessionID() string { return c.opts.SessionID }

// Messages delivers decoded envelopes from the session's output stream.
// The channel closes after Close or once reconnection gives up.
func (c *Client) Messages() <-chan protocol.Message { return c.msgs }

// Errors delivers at most one fatal error: reconnection exhaustion.
func (c *Client) Errors() <-chan error { return c.errs }

// Close shuts the connection down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.mu.Unlock()
	})
	return err
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.opts.Token)
	q.Set("session", c.opts.SessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connect() error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// readLoop pumps inbound envelopes and reconnects on connection loss with
// capped exponential backoff. Exhausting the retries is fatal.
func (c *Client) readLoop() {
	defer close(c.msgs)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if !c.reconnect() {
				return
			}
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("WARN: dropping malformed envelope: %v", err)
			continue
		}
		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) reconnect() bool {
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		delay := c.opts.BaseBackoff << (attempt - 1)
		if delay > c.opts.MaxBackoff {
			delay = c.opts.MaxBackoff
		}
		select {
		case <-time.After(delay):
		case <-c.done:
			return false
		}

		if err := c.connect(); err != nil {
			log.Printf("WARN: reconnect attempt %d/%d failed: %v", attempt, c.opts.MaxRetries, err)
			continue
		}
		log.Printf("Reconnected to %s (attempt %d)", c.opts.URL, attempt)
		return true
	}
	c.errs <- fmt.Errorf("gave up reconnecting after %d attempts", c.opts.MaxRetries)
	return false
}

// Send stamps the per-connection sequence number and writes the envelope.
func (c *Client) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	c.seq++
	msg.Common().Seq = c.seq
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Common().Type, err)
	}
	return nil
}

// CreateSession asks the gateway to bootstrap the host connection.
func (c *Client) CreateSession(meta *protocol.SessionCreateMeta) error {
	return c.Send(protocol.NewSessionCreate(c.opts.SessionID, meta))
}

// DestroySession tears the session and its host connection down.
func (c *Client) DestroySession() error {
	return c.Send(protocol.NewSessionDestroy(c.opts.SessionID))
}

// SendData delivers raw keystrokes to the host.
func (c *Client) SendData(data string) error {
	return c.Send(protocol.NewData(c.opts.SessionID, data))
}

// Resize renegotiates the terminal dimensions.
func (c *Client) Resize(cols, rows int) error {
	return c.Send(protocol.NewResize(c.opts.SessionID, cols, rows))
}

// Ping probes the routing tier.
func (c *Client) Ping() error {
	return c.Send(protocol.NewPing(c.opts.SessionID))
}

// RunTask starts a named task on the session.
func (c *Client) RunTask(taskName string, params map[string]any) error {
	return c.Send(protocol.NewTaskRun(c.opts.SessionID, taskName, params))
}

// ControlTask pauses, resumes or cancels the session's execution.
func (c *Client) ControlTask(action string) error {
	return c.Send(protocol.NewTaskControl(c.opts.SessionID, action))
}

// ObserveExecution recovers the session's active execution from the query
// API, then streams its live task events until a terminal status arrives.
// It consumes from Messages; do not read both concurrently.
func (c *Client) ObserveExecution(ctx context.Context) (*domain.Execution, <-chan protocol.Message, error) {
	execution, err := c.ActiveExecution(ctx)
	if err != nil {
		return nil, nil, err
	}

	events := make(chan protocol.Message, 64)
	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-c.msgs:
				if !ok {
					return
				}
				executionID, terminal := executionEvent(msg)
				if executionID != execution.ExecutionID {
					continue
				}
				select {
				case events <- msg:
				case <-ctx.Done():
					return
				}
				if terminal {
					return
				}
			}
		}
	}()
	return execution, events, nil
}

// ActiveExecution queries the gateway for the session's running or paused
// execution. Returns ErrNoActiveExecution when the session is idle.
func (c *Client) ActiveExecution(ctx context.Context) (*domain.Execution, error) {
	endpoint := fmt.Sprintf("%s/v1/sessions/%s/executions/active", c.opts.APIURL, c.opts.SessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query active execution: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoActiveExecution
	default:
		return nil, fmt.Errorf("query active execution: unexpected status %d", resp.StatusCode)
	}

	var execution domain.Execution
	if err := json.NewDecoder(resp.Body).Decode(&execution); err != nil {
		return nil, fmt.Errorf("decode active execution: %w", err)
	}
	return &execution, nil
}

// executionEvent extracts the execution id from a task event and reports
// whether it is terminal. Non-task envelopes return an empty id.
func executionEvent(msg protocol.Message) (executionID string, terminal bool) {
	switch m := msg.(type) {
	case *protocol.TaskStatusMessage:
		return m.Meta.ExecutionID, domain.ExecutionStatus(m.Meta.Status).Terminal()
	case *protocol.TaskPausedMessage:
		return m.Meta.ExecutionID, false
	case *protocol.TaskProgressMessage:
		return m.Meta.ExecutionID, false
	case *protocol.TaskItemResultMessage:
		return m.Meta.ExecutionID, false
	}
	return "", false
}
