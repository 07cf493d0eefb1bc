package entities

import "time"

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// ConversationMessage is one settled turn in the conversation log.
// It is never mutated after creation.
type ConversationMessage struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// TranscriptEntry is the speech recognition result for the current utterance
type TranscriptEntry struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// DiagnosticEntry is one human readable trace line
type DiagnosticEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// EventType discriminates events emitted to collaborators (UI, bus)
type EventType string

const (
	EventTypeStatus     EventType = "status"
	EventTypeTranscript EventType = "transcript"
	EventTypeMessage    EventType = "message"
	EventTypeProcessing EventType = "processing"
	EventTypeError      EventType = "error"
	EventTypeDiagnostic EventType = "diagnostic"
)

// Event is a session change published to collaborators
type Event struct {
	ID        string       `json:"id"`
	Type      EventType    `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	State     SessionState `json:"state,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	// Payload is one of TranscriptEntry, ConversationMessage, DiagnosticEntry, string or bool
	Payload interface{} `json:"payload,omitempty"`
}

// SessionRecord summarizes a finished session
type SessionRecord struct {
	LocalID      string                `json:"local_id"`
	SessionID    string                `json:"session_id,omitempty"`
	ChatID       *string               `json:"chat_id,omitempty"`
	UserID       string                `json:"user_id"`
	StartedAt    time.Time             `json:"started_at"`
	EndedAt      time.Time             `json:"ended_at"`
	FinalState   SessionState          `json:"final_state"`
	Messages     int                   `json:"messages"`
	LastError    string                `json:"last_error,omitempty"`
	Conversation []ConversationMessage `json:"conversation,omitempty"`
}
