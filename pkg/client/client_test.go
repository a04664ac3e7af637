package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/termgate/internal/protocol"
)

// wsHarness is a minimal server-side endpoint: it records dials, captures
// inbound envelopes and lets tests push envelopes to the connected client.
type wsHarness struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	dials    int32
	received []protocol.Message
	lastURL  string
}

func (h *wsHarness) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&h.dials, 1)
	h.mu.Lock()
	h.lastURL = r.URL.String()
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		h.mu.Lock()
		h.received = append(h.received, msg)
		h.mu.Unlock()
	}
}

func (h *wsHarness) push(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	require.NotNil(t, conn, "no client connected")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func (h *wsHarness) dropConnection() {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (h *wsHarness) waitForMessages(t *testing.T, n int) []protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.received) >= n {
			out := append([]protocol.Message(nil), h.received...)
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func newHarness(t *testing.T) (*wsHarness, string) {
	t.Helper()
	h := &wsHarness{}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := Dial(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialSendsTokenAndStampsSeq(t *testing.T) {
	h, url := newHarness(t)
	c := dialTest(t, Options{URL: url, Token: "secret", SessionID: "sess_test"})

	require.NoError(t, c.Ping())
	require.NoError(t, c.SendData("ls\r"))
	require.NoError(t, c.Resize(132, 27))

	msgs := h.waitForMessages(t, 3)
	assert.EqualValues(t, 1, msgs[0].Common().Seq)
	assert.EqualValues(t, 2, msgs[1].Common().Seq)
	assert.EqualValues(t, 3, msgs[2].Common().Seq)
	assert.Equal(t, "sess_test", msgs[0].Common().SessionID)

	h.mu.Lock()
	lastURL := h.lastURL
	h.mu.Unlock()
	assert.Contains(t, lastURL, "token=secret")
	assert.Contains(t, lastURL, "session=sess_test")
}

func TestGeneratedSessionID(t *testing.T) {
	_, url := newHarness(t)
	c := dialTest(t, Options{URL: url, Token: "secret"})
	assert.True(t, strings.HasPrefix(c.SessionID(), "sess_"))
	assert.Len(t, c.SessionID(), len("sess_")+8)
}

func TestReceiveDeliversDecodedEnvelopes(t *testing.T) {
	h, url := newHarness(t)
	c := dialTest(t, Options{URL: url, Token: "secret", SessionID: "sess_test"})
	require.NoError(t, c.Ping())
	h.waitForMessages(t, 1)

	h.push(t, protocol.NewPong("sess_test"))

	select {
	case msg := <-c.Messages():
		_, ok := msg.(*protocol.PongMessage)
		assert.True(t, ok, "expected pong, got %T", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	h, url := newHarness(t)
	c := dialTest(t, Options{
		URL: url, Token: "secret", SessionID: "sess_test",
		BaseBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond,
	})
	require.NoError(t, c.Ping())
	h.waitForMessages(t, 1)

	h.dropConnection()

	// A fresh server-side connection proves the client redialed.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&h.dials) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("client never reconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.push(t, protocol.NewPong("sess_test"))
	select {
	case <-c.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not resume after reconnect")
	}
}

func TestReconnectGivesUpAfterMaxRetries(t *testing.T) {
	h, url := newHarness(t)
	c := dialTest(t, Options{
		URL: url, Token: "secret", SessionID: "sess_test",
		MaxRetries: 2, BaseBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, c.Ping())
	h.waitForMessages(t, 1)

	// Reject every redial before cutting the connection.
	h.upgrader.CheckOrigin = func(*http.Request) bool { return false }
	h.dropConnection()

	select {
	case err := <-c.Errors():
		assert.Contains(t, err.Error(), "gave up")
	case <-time.After(3 * time.Second):
		t.Fatal("no fatal error after retries exhausted")
	}

	// The message stream ends with the connection.
	select {
	case _, ok := <-c.Messages():
		assert.False(t, ok, "messages channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestObserveExecutionFiltersAndTerminates(t *testing.T) {
	h, wsURL := newHarness(t)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions/sess_test/executions/active" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"execution_id":"exec_live","session_id":"sess_test","user_id":"u1","task_name":"login","status":"running","item_count":3,"started_at":"2026-08-28T09:00:00Z"}`))
	}))
	t.Cleanup(api.Close)

	c := dialTest(t, Options{URL: wsURL, APIURL: api.URL, Token: "secret", SessionID: "sess_test"})
	require.NoError(t, c.Ping())
	h.waitForMessages(t, 1)

	execution, events, err := c.ObserveExecution(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "exec_live", execution.ExecutionID)
	assert.Equal(t, "running", string(execution.Status))

	// Noise from another execution and non-task traffic must be dropped.
	h.push(t, protocol.NewPong("sess_test"))
	h.push(t, protocol.NewTaskProgress("sess_test", "exec_other", "login", 1, 3, 1, "USER00009", "success", ""))
	h.push(t, protocol.NewTaskProgress("sess_test", "exec_live", "login", 2, 3, 2, "USER00002", "success", ""))
	h.push(t, protocol.NewTaskStatus("sess_test", protocol.TaskStatusMeta{
		ExecutionID: "exec_live", TaskName: "login", Status: "success", DurationMs: 5000,
	}))

	var got []protocol.Message
	for msg := range events {
		got = append(got, msg)
	}
	require.Len(t, got, 2)
	progress := got[0].(*protocol.TaskProgressMessage)
	assert.Equal(t, "exec_live", progress.Meta.ExecutionID)
	assert.Equal(t, 67, progress.Meta.Percent)
	status := got[1].(*protocol.TaskStatusMessage)
	assert.Equal(t, "success", status.Meta.Status)
}

func TestObserveExecutionIdleSession(t *testing.T) {
	_, wsURL := newHarness(t)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(api.Close)

	c := dialTest(t, Options{URL: wsURL, APIURL: api.URL, Token: "secret", SessionID: "sess_idle"})
	_, _, err := c.ObserveExecution(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveExecution)
}
