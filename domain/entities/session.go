package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of a voice session
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateConnecting SessionState = "connecting"
	SessionStateConnected  SessionState = "connected"
	SessionStateActive     SessionState = "active"
	SessionStateStopped    SessionState = "stopped"
	SessionStateError      SessionState = "error"
)

// Trigger is an input to the session state machine
type Trigger string

const (
	TriggerStartRequested Trigger = "start_requested"
	TriggerTransportOpen  Trigger = "transport_open"
	TriggerServerStarted  Trigger = "server_started"
	TriggerServerStopped  Trigger = "server_stopped"
	TriggerUserStop       Trigger = "user_stop"
	TriggerFault          Trigger = "fault"
	TriggerReset          Trigger = "reset"
)

// ErrSessionIDBound is returned when a session ID is bound twice
var ErrSessionIDBound = errors.New("session id already bound")

var transitions = map[SessionState]map[Trigger]SessionState{
	SessionStateIdle: {
		TriggerStartRequested: SessionStateConnecting,
	},
	SessionStateConnecting: {
		TriggerTransportOpen: SessionStateConnected,
		TriggerServerStopped: SessionStateStopped,
		TriggerUserStop:      SessionStateStopped,
		TriggerFault:         SessionStateError,
	},
	SessionStateConnected: {
		TriggerServerStarted: SessionStateActive,
		TriggerServerStopped: SessionStateStopped,
		TriggerUserStop:      SessionStateStopped,
		TriggerFault:         SessionStateError,
	},
	SessionStateActive: {
		TriggerServerStopped: SessionStateStopped,
		TriggerUserStop:      SessionStateStopped,
		TriggerFault:         SessionStateError,
	},
	SessionStateStopped: {
		TriggerReset: SessionStateIdle,
	},
	SessionStateError: {
		TriggerReset: SessionStateIdle,
	},
}

// Next returns the state reached by applying trigger to s.
// The second result is false when the trigger is not valid in s, in which case s is returned.
func (s SessionState) Next(trigger Trigger) (SessionState, bool) {
	next, ok := transitions[s][trigger]
	if !ok {
		return s, false
	}
	return next, true
}

// Busy reports whether the state holds the capture and playback devices
func (s SessionState) Busy() bool {
	return s != SessionStateIdle
}

// Terminal reports whether the state only leads back to idle
func (s SessionState) Terminal() bool {
	return s == SessionStateStopped || s == SessionStateError
}

// Session identifies one voice conversation
type Session struct {
	LocalID   string       `json:"local_id"`
	ID        string       `json:"session_id,omitempty"`
	ChatID    *string      `json:"chat_id,omitempty"`
	UserID    string       `json:"user_id"`
	AuthToken string       `json:"-"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"started_at"`
}

// NewSession creates an idle session for a user
func NewSession(userID, authToken string, chatID *string) *Session {
	return &Session{
		LocalID:   uuid.NewString(),
		ChatID:    chatID,
		UserID:    userID,
		AuthToken: authToken,
		State:     SessionStateIdle,
		StartedAt: time.Now(),
	}
}

// Apply runs trigger against the current state and stores the result.
// It returns the previous state and whether a transition happened.
func (s *Session) Apply(trigger Trigger) (SessionState, bool) {
	prev := s.State
	next, ok := prev.Next(trigger)
	if ok {
		s.State = next
	}
	return prev, ok
}

// BindID records the server assigned session ID. It may only be called once.
func (s *Session) BindID(id string) error {
	if s.ID != "" {
		return ErrSessionIDBound
	}
	s.ID = id
	return nil
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.UserID == "" {
		return errors.New("user_id is required")
	}
	if s.AuthToken == "" {
		return errors.New("auth token is required")
	}
	if _, ok := transitions[s.State]; !ok {
		return errors.New("invalid session state")
	}
	return nil
}
