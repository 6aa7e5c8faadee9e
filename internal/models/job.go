package models

import (
	"time"

	"github.com/google/uuid"
)

// SummaryJob asks a worker to recompute one user's daily summary.
type SummaryJob struct {
	UserID     uuid.UUID `json:"user_id"`
	Date       string    `json:"date"` // YYYY-MM-DD
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// WebSocket message types
const (
	WSTypeHeartbeat      = "heartbeat"
	WSTypePageView       = "page_view"
	WSTypeLogout         = "logout"
	WSTypeAuthenticated  = "authenticated"
	WSTypeRoster         = "roster"
	WSTypeLoggedOut      = "logged_out"
	WSTypeSessionTimeout = "session_timeout"
)

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type AuthenticatedEvent struct {
	ConnectionID string    `json:"connection_id"`
	UserID       uuid.UUID `json:"user_id"`
	SessionID    uuid.UUID `json:"session_id"`
}

type SessionTimeoutEvent struct {
	SessionID       uuid.UUID `json:"session_id"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int64     `json:"duration_seconds"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
