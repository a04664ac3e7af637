package domain

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

// Session statuses. A destroyed session id is never reused.
const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusDestroyed SessionStatus = "destroyed"
)

// Session is the addressable unit binding a client-facing stream to at
// most one host connection. The id is stable across reconnects.
type Session struct {
	SessionID   string        `json:"session_id"`
	UserID      string        `json:"user_id"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	DestroyedAt *time.Time    `json:"destroyed_at,omitempty"`
}
