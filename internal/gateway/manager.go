// Package gateway manages host sessions: it bootstraps host connections
// on request, binds each session's broker channels to its connection, and
// hands task traffic to the execution engine.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/xiaot623/termgate/internal/broker"
	"github.com/xiaot623/termgate/internal/config"
	"github.com/xiaot623/termgate/internal/domain"
	"github.com/xiaot623/termgate/internal/engine"
	"github.com/xiaot623/termgate/internal/host"
	"github.com/xiaot623/termgate/internal/protocol"
	"github.com/xiaot623/termgate/internal/store"
)

const publishTimeout = 5 * time.Second

// defaultUserID labels sessions at the gateway; identity is resolved at
// the routing tier and does not travel on the wire.
const defaultUserID = "default_user"

// Broker is the slice of the broker client the gateway needs.
type Broker interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string, handler func(payload string)) (broker.Subscription, error)
}

// Manager owns the live host sessions of one gateway process.
type Manager struct {
	cfg     *config.Config
	broker  Broker
	store   store.Store
	runner  *engine.Runner
	factory host.Factory

	mu       sync.Mutex
	sessions map[string]*session
	ctl      broker.Subscription
}

type session struct {
	id     string
	userID string
	conn   host.Engine
	cancel context.CancelFunc
	subs   []broker.Subscription
	host   string
	port   int
	rows   int
	cols   int
}

// NewManager creates a session manager.
func NewManager(cfg *config.Config, b Broker, st store.Store, runner *engine.Runner, factory host.Factory) *Manager {
	return &Manager{
		cfg:      cfg,
		broker:   b,
		store:    st,
		runner:   runner,
		factory:  factory,
		sessions: make(map[string]*session),
	}
}

// Start subscribes to the gateway bootstrap channel.
func (m *Manager) Start(ctx context.Context) error {
	sub, err := m.broker.Subscribe(ctx, protocol.GatewayControlChannel, func(payload string) {
		m.handleBootstrap(payload)
	})
	if err != nil {
		return fmt.Errorf("subscribe gateway control: %w", err)
	}
	m.ctl = sub
	log.Printf("Gateway listening on %s", protocol.GatewayControlChannel)
	return nil
}

// SessionCount reports the live host session total for health checks.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown destroys every live session.
func (m *Manager) Shutdown() {
	if m.ctl != nil {
		m.ctl.Close()
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.destroySession(id, "gateway shutdown")
	}
}

func (m *Manager) handleBootstrap(payload string) {
	msg, err := protocol.Decode([]byte(payload))
	if err != nil {
		log.Printf("WARN: malformed bootstrap message: %v", err)
		return
	}
	create, ok := msg.(*protocol.SessionCreateMessage)
	if !ok {
		log.Printf("WARN: unexpected %s on %s", msg.Common().Type, protocol.GatewayControlChannel)
		return
	}
	m.createSession(create)
}

// createSession bootstraps a host connection for the session, or replays
// the created/screen events when the session already exists. Create is
// idempotent; a reconnecting client never tears anything down.
func (m *Manager) createSession(msg *protocol.SessionCreateMessage) {
	sessionID := msg.SessionID

	m.mu.Lock()
	if sess, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		log.Printf("Session %s already exists, reusing", sessionID)
		m.emitCreated(sess)
		return
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		log.Printf("WARN: session limit reached (%d), rejecting %s", m.cfg.MaxSessions, sessionID)
		m.emit(sessionID, protocol.NewError(sessionID, protocol.ErrorCodeSessionLimitReached,
			fmt.Sprintf("maximum of %d sessions reached", m.cfg.MaxSessions)))
		return
	}
	m.mu.Unlock()

	hostAddr, port := m.cfg.HostAddr, m.cfg.HostPort
	rows, cols := m.cfg.TermRows, m.cfg.TermCols
	if msg.Meta != nil {
		if msg.Meta.Host != "" {
			hostAddr = msg.Meta.Host
		}
		if msg.Meta.Port != 0 {
			port = msg.Meta.Port
		}
		if msg.Meta.Rows != 0 {
			rows = msg.Meta.Rows
		}
		if msg.Meta.Cols != 0 {
			cols = msg.Meta.Cols
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := m.factory(ctx, hostAddr, port, rows, cols)
	if err != nil {
		cancel()
		log.Printf("ERROR: failed to connect session %s to %s:%d: %v", sessionID, hostAddr, port, err)
		m.emit(sessionID, protocol.NewError(sessionID, protocol.ErrorCodeConnectionFailed,
			fmt.Sprintf("failed to connect to host: %v", err)))
		return
	}

	sess := &session{
		id:     sessionID,
		userID: defaultUserID,
		conn:   conn,
		cancel: cancel,
		host:   hostAddr,
		port:   port,
		rows:   rows,
		cols:   cols,
	}

	inputSub, err := m.broker.Subscribe(ctx, protocol.InputChannel(sessionID), func(payload string) {
		m.handleInput(sess, payload)
	})
	if err != nil {
		log.Printf("ERROR: failed to subscribe input for %s: %v", sessionID, err)
		cancel()
		conn.Close()
		return
	}
	controlSub, err := m.broker.Subscribe(ctx, protocol.ControlChannel(sessionID), func(payload string) {
		m.handleControl(sess, payload)
	})
	if err != nil {
		log.Printf("ERROR: failed to subscribe control for %s: %v", sessionID, err)
		inputSub.Close()
		cancel()
		conn.Close()
		return
	}
	sess.subs = []broker.Subscription{inputSub, controlSub}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	if err := m.store.CreateSession(context.Background(), &domain.Session{
		SessionID: sessionID,
		UserID:    sess.userID,
		Status:    domain.SessionStatusActive,
		CreatedAt: time.Now(),
	}); err != nil {
		log.Printf("WARN: failed to persist session %s: %v", sessionID, err)
	}

	go m.pumpScreens(sess)

	log.Printf("Session %s connected to %s:%d", sessionID, hostAddr, port)
	m.emitCreated(sess)
}

// emitCreated publishes session.created followed by the current screen.
func (m *Manager) emitCreated(sess *session) {
	m.emit(sess.id, protocol.NewSessionCreated(sess.id, sess.host, sess.port))
	m.emitScreen(sess)
}

func (m *Manager) emitScreen(sess *session) {
	row, col := sess.conn.Cursor()
	m.emit(sess.id, protocol.NewTermScreen(sess.id, sess.conn.Screen(), protocol.TermScreenMeta{
		Fields:    sess.conn.Fields(),
		CursorRow: row,
		CursorCol: col,
		Rows:      sess.rows,
		Cols:      sess.cols,
	}))
}

// pumpScreens forwards host-driven updates onto the output channel.
func (m *Manager) pumpScreens(sess *session) {
	for update := range sess.conn.Updates() {
		m.emit(sess.id, protocol.NewTermScreen(sess.id, update.Screen, protocol.TermScreenMeta{
			Fields:    update.Fields,
			CursorRow: update.CursorRow,
			CursorCol: update.CursorCol,
			Rows:      sess.rows,
			Cols:      sess.cols,
		}))
	}
}

func (m *Manager) handleInput(sess *session, payload string) {
	msg, err := protocol.Decode([]byte(payload))
	if err != nil {
		log.Printf("WARN: malformed input message for %s: %v", sess.id, err)
		return
	}
	data, ok := msg.(*protocol.DataMessage)
	if !ok {
		log.Printf("WARN: unexpected %s on input channel for %s", msg.Common().Type, sess.id)
		return
	}
	if err := sess.conn.Send(data.Payload); err != nil {
		log.Printf("ERROR: failed to send input for %s: %v", sess.id, err)
		m.emit(sess.id, protocol.NewError(sess.id, protocol.ErrorCodeConnectionFailed, "host connection lost"))
	}
}

func (m *Manager) handleControl(sess *session, payload string) {
	msg, err := protocol.Decode([]byte(payload))
	if err != nil {
		log.Printf("WARN: malformed control message for %s: %v", sess.id, err)
		return
	}

	switch ctl := msg.(type) {
	case *protocol.ResizeMessage:
		if err := sess.conn.Resize(ctl.Meta.Rows, ctl.Meta.Cols); err != nil {
			log.Printf("ERROR: failed to resize %s: %v", sess.id, err)
			return
		}
		sess.rows, sess.cols = ctl.Meta.Rows, ctl.Meta.Cols
		m.emitScreen(sess)

	case *protocol.TaskRunMessage:
		m.runTask(sess, ctl)

	case *protocol.TaskControlMessage:
		if err := m.runner.Control(sess.id, ctl.Meta.Action); err != nil {
			log.Printf("WARN: task control %s on %s: %v", ctl.Meta.Action, sess.id, err)
			m.emit(sess.id, protocol.NewError(sess.id, protocol.ErrorCodeInvalidMessage, err.Error()))
		}

	case *protocol.SessionDestroyMessage:
		m.destroySession(sess.id, "destroyed by client")

	default:
		log.Printf("WARN: unexpected %s on control channel for %s", msg.Common().Type, sess.id)
	}
}

func (m *Manager) runTask(sess *session, msg *protocol.TaskRunMessage) {
	params, err := encodeParams(msg.Meta.Params)
	if err != nil {
		m.emit(sess.id, protocol.NewError(sess.id, protocol.ErrorCodeInvalidMessage, "invalid task params"))
		return
	}

	_, err = m.runner.Run(context.Background(), engine.RunRequest{
		SessionID: sess.id,
		UserID:    sess.userID,
		TaskName:  msg.Meta.TaskName,
		Params:    params,
		Conn:      sess.conn,
		Emit:      &emitter{m: m, sessionID: sess.id},
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrSessionBusy):
		m.emit(sess.id, protocol.NewError(sess.id, protocol.ErrorCodeSessionBusy, err.Error()))
	case errors.Is(err, engine.ErrUnknownTask):
		m.emit(sess.id, protocol.NewError(sess.id, protocol.ErrorCodeUnknownTask, err.Error()))
	default:
		log.Printf("ERROR: failed to start task %s on %s: %v", msg.Meta.TaskName, sess.id, err)
		m.emit(sess.id, protocol.NewError(sess.id, protocol.ErrorCodeInternalError, err.Error()))
	}
}

// destroySession is the only path that tears down a host connection.
func (m *Manager) destroySession(sessionID, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	// Stop any in-flight execution at its next item boundary.
	if err := m.runner.Control(sessionID, protocol.ActionCancel); err != nil && !errors.Is(err, engine.ErrNoActiveExecution) {
		log.Printf("WARN: failed to cancel execution for %s: %v", sessionID, err)
	}

	for _, sub := range sess.subs {
		if err := sub.Close(); err != nil {
			log.Printf("WARN: failed to close subscription for %s: %v", sessionID, err)
		}
	}
	sess.cancel()
	if err := sess.conn.Close(); err != nil {
		log.Printf("WARN: failed to close host connection for %s: %v", sessionID, err)
	}

	if err := m.store.UpdateSessionStatus(context.Background(), sessionID, domain.SessionStatusDestroyed); err != nil {
		log.Printf("WARN: failed to persist destroyed session %s: %v", sessionID, err)
	}

	m.emit(sessionID, protocol.NewSessionDestroyed(sessionID, reason))
	log.Printf("Session %s destroyed (%s)", sessionID, reason)
}

// emit publishes an envelope onto the session's output channel.
func (m *Manager) emit(sessionID string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("ERROR: failed to encode %s for %s: %v", msg.Common().Type, sessionID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.broker.Publish(ctx, protocol.OutputChannel(sessionID), string(data)); err != nil {
		log.Printf("ERROR: failed to publish %s for %s: %v", msg.Common().Type, sessionID, err)
	}
}

func encodeParams(params map[string]any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// emitter adapts Manager.emit to the engine's Emitter contract.
type emitter struct {
	m         *Manager
	sessionID string
}

func (e *emitter) Emit(msg protocol.Message) {
	e.m.emit(e.sessionID, msg)
}
