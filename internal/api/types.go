package api

import (
	"time"

	"github.com/satriahrh/arunika/voiceagent/domain/entities"
	"github.com/satriahrh/arunika/voiceagent/internal/session"
)

// StartSessionRequest represents the request payload for starting a voice session
type StartSessionRequest struct {
	ChatID *string `json:"chatId"`
	UserID string  `json:"userId"`
	Token  string  `json:"token"`
}

// SessionResponse wraps a session snapshot
type SessionResponse struct {
	Session session.Snapshot `json:"session"`
	// Started is false when no session has been started since the process came up
	Started bool `json:"started"`
}

// SessionHistoryResponse lists finished sessions, newest first
type SessionHistoryResponse struct {
	Sessions []*entities.SessionRecord `json:"sessions"`
}

// HealthResponse represents the health check payload
type HealthResponse struct {
	Status       string                `json:"status"`
	Service      string                `json:"service"`
	SessionState entities.SessionState `json:"session_state"`
	// Checks maps optional dependencies to "ok" or "unavailable"
	Checks map[string]string `json:"checks,omitempty"`
	Time   time.Time         `json:"time"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
