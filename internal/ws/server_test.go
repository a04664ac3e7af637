package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/termgate/internal/auth"
	"github.com/xiaot623/termgate/internal/broker"
	"github.com/xiaot623/termgate/internal/config"
	"github.com/xiaot623/termgate/internal/hub"
	"github.com/xiaot623/termgate/internal/protocol"
)

type published struct {
	channel string
	payload string
}

type fakePublisher struct {
	mu   sync.Mutex
	pubs []published
}

func (f *fakePublisher) Publish(_ context.Context, channel, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, published{channel: channel, payload: payload})
	return nil
}

func (f *fakePublisher) waitForChannel(t *testing.T, channel string) published {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, p := range f.pubs {
			if p.channel == channel {
				f.mu.Unlock()
				return p
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("nothing published to %s", channel)
	return published{}
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pubs)
}

// stubSubscriber stands in for the broker's subscribe side so the test
// can inject upstream traffic.
type stubSubscriber struct {
	mu       sync.Mutex
	handlers map[string]func(string)
}

func newStubSubscriber() *stubSubscriber {
	return &stubSubscriber{handlers: make(map[string]func(string))}
}

func (s *stubSubscriber) Subscribe(_ context.Context, channel string, handler func(string)) (broker.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[channel] = handler
	return stubSubscription{}, nil
}

func (s *stubSubscriber) publish(channel, payload string) {
	s.mu.Lock()
	handler := s.handlers[channel]
	s.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

type stubSubscription struct{}

func (stubSubscription) Close() error { return nil }

type testEnv struct {
	srv *Server
	hub *hub.Hub
	pub *fakePublisher
	sub *stubSubscriber
	ts  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 65536,
	}
	pub := &fakePublisher{}
	sub := newStubSubscriber()
	h := hub.New(sub)
	srv := NewServer(cfg, h, pub, auth.NewStaticValidator("secret", "u1"))

	e := echo.New()
	e.GET("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, hub: h, pub: pub, sub: sub, ts: ts}
}

func (env *testEnv) dial(t *testing.T, token, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?token=" + token + "&session=" + sessionID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestUnauthorizedTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "wrong", "sess_test")
	defer conn.Close()

	msg := readEnvelope(t, conn)
	errMsg, ok := msg.(*protocol.ErrorMessage)
	require.True(t, ok, "expected error envelope, got %T", msg)
	assert.Equal(t, protocol.ErrorCodeUnauthorized, errMsg.Meta.Code)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy violation close, got %v", err)

	assert.Equal(t, 0, env.pub.count(), "rejected connections must not publish")
}

func TestDataRoutedToInputChannel(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "secret", "sess_test")
	defer conn.Close()

	sendEnvelope(t, conn, protocol.NewData("sess_test", "ls -la\r"))

	p := env.pub.waitForChannel(t, "term.input.sess_test")
	msg, err := protocol.Decode([]byte(p.payload))
	require.NoError(t, err)
	data, ok := msg.(*protocol.DataMessage)
	require.True(t, ok)
	assert.Equal(t, "ls -la\r", data.Payload)
}

func TestControlTrafficRouting(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "secret", "sess_test")
	defer conn.Close()

	sendEnvelope(t, conn, protocol.NewSessionCreate("sess_test", nil))
	sendEnvelope(t, conn, protocol.NewResize("sess_test", 80, 43))
	sendEnvelope(t, conn, protocol.NewTaskRun("sess_test", "login", map[string]any{"items": []string{"USER00001"}}))
	sendEnvelope(t, conn, protocol.NewTaskControl("sess_test", protocol.ActionPause))
	sendEnvelope(t, conn, protocol.NewSessionDestroy("sess_test"))

	env.pub.waitForChannel(t, protocol.GatewayControlChannel)
	p := env.pub.waitForChannel(t, "term.control.sess_test")
	msg, err := protocol.Decode([]byte(p.payload))
	require.NoError(t, err)
	assert.Equal(t, "sess_test", msg.Common().SessionID)
}

func TestSessionIDOverriddenByConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "secret", "sess_mine")
	defer conn.Close()

	// A client cannot write into another session's channels.
	sendEnvelope(t, conn, protocol.NewData("sess_other", "stolen"))

	p := env.pub.waitForChannel(t, "term.input.sess_mine")
	msg, err := protocol.Decode([]byte(p.payload))
	require.NoError(t, err)
	assert.Equal(t, "sess_mine", msg.Common().SessionID)
}

func TestPingAnsweredLocally(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "secret", "sess_test")
	defer conn.Close()

	sendEnvelope(t, conn, protocol.NewPing("sess_test"))

	msg := readEnvelope(t, conn)
	_, ok := msg.(*protocol.PongMessage)
	require.True(t, ok, "expected pong, got %T", msg)
	assert.Equal(t, 0, env.pub.count(), "pings must not cross the broker")
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "secret", "sess_test")
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	msg := readEnvelope(t, conn)
	errMsg, ok := msg.(*protocol.ErrorMessage)
	require.True(t, ok, "expected error envelope, got %T", msg)
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, errMsg.Meta.Code)

	// Envelope missing required common fields is malformed too.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"data"}`)))
	msg = readEnvelope(t, conn)
	errMsg, ok = msg.(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, errMsg.Meta.Code)

	// The connection survives and still answers pings.
	sendEnvelope(t, conn, protocol.NewPing("sess_test"))
	msg = readEnvelope(t, conn)
	_, ok = msg.(*protocol.PongMessage)
	require.True(t, ok, "expected pong after malformed input, got %T", msg)
}

func TestUpstreamTrafficFansOutToClient(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "secret", "sess_test")
	defer conn.Close()

	// Wait until the server side attached to the session channel.
	deadline := time.Now().Add(5 * time.Second)
	for env.hub.Attached("sess_test") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, env.hub.Attached("sess_test"))

	screen, err := protocol.Encode(protocol.NewTermScreen("sess_test", "READY", protocol.TermScreenMeta{Rows: 43, Cols: 80}))
	require.NoError(t, err)
	env.sub.publish("term.output.sess_test", string(screen))

	msg := readEnvelope(t, conn)
	got, ok := msg.(*protocol.TermScreenMessage)
	require.True(t, ok, "expected term.screen, got %T", msg)
	assert.Equal(t, "READY", got.Payload)
}

func TestDisconnectWithoutDestroyLeavesNoDestroyBehind(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "secret", "sess_test")

	deadline := time.Now().Add(5 * time.Second)
	for env.hub.Attached("sess_test") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, conn.Close())

	for env.hub.Attached("sess_test") != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, env.hub.Attached("sess_test"), "closing the socket must detach the handler")
	assert.Equal(t, 0, env.pub.count(), "closing the socket must not publish session.destroy")
}

func TestHealthConnectionCount(t *testing.T) {
	env := newTestEnv(t)
	assert.EqualValues(t, 0, env.srv.ConnectionCount())

	conn := env.dial(t, "secret", "sess_test")
	deadline := time.Now().Add(5 * time.Second)
	for env.srv.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 1, env.srv.ConnectionCount())

	require.NoError(t, conn.Close())
	for env.srv.ConnectionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 0, env.srv.ConnectionCount())
}
