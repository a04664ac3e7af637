// Package hub maintains the per-session fan-out between broker
// subscriptions and locally connected websocket clients. It guarantees at
// most one upstream subscription per session regardless of how many
// connections observe it.
package hub

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/xiaot623/termgate/internal/broker"
	"github.com/xiaot623/termgate/internal/protocol"
)

// Subscriber is the slice of the broker client the hub depends on.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func(payload string)) (broker.Subscription, error)
}

// Handler receives every payload published on a session's output channel.
type Handler func(payload string)

// Hub is the ref-counted subscription manager. A session's upstream
// subscription is opened on the first Attach and closed on the last
// Detach; in between, payloads fan out to every attached handler.
type Hub struct {
	sub Subscriber

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	upstream broker.Subscription
	handlers map[int]Handler
	nextID   int
}

// New builds a hub over the given broker client.
func New(sub Subscriber) *Hub {
	return &Hub{
		sub:      sub,
		sessions: make(map[string]*entry),
	}
}

// Attach registers a handler for a session's output channel and returns a
// token for Detach. The first attachment for a session opens the upstream
// subscription.
func (h *Hub) Attach(ctx context.Context, sessionID string, handler Handler) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.sessions[sessionID]
	if !ok {
		e = &entry{handlers: make(map[int]Handler)}
		upstream, err := h.sub.Subscribe(ctx, protocol.OutputChannel(sessionID), func(payload string) {
			h.dispatch(sessionID, payload)
		})
		if err != nil {
			return 0, fmt.Errorf("attach session %s: %w", sessionID, err)
		}
		e.upstream = upstream
		h.sessions[sessionID] = e
	}

	e.nextID++
	id := e.nextID
	e.handlers[id] = handler
	return id, nil
}

// Detach removes a previously attached handler. Closing the last handler
// for a session tears down the upstream subscription. Unknown tokens are
// ignored.
func (h *Hub) Detach(sessionID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	delete(e.handlers, id)
	if len(e.handlers) > 0 {
		return
	}
	delete(h.sessions, sessionID)
	if err := e.upstream.Close(); err != nil {
		log.Printf("WARN: close upstream subscription for %s: %v", sessionID, err)
	}
}

// Attached reports how many handlers are registered for a session.
func (h *Hub) Attached(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.sessions[sessionID]; ok {
		return len(e.handlers)
	}
	return 0
}

// dispatch snapshots the handler set under the lock and invokes the
// handlers outside it, so a slow consumer cannot block Attach/Detach.
func (h *Hub) dispatch(sessionID, payload string) {
	h.mu.Lock()
	e, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	snapshot := make([]Handler, 0, len(e.handlers))
	for _, fn := range e.handlers {
		snapshot = append(snapshot, fn)
	}
	h.mu.Unlock()

	for _, fn := range snapshot {
		fn(payload)
	}
}
