package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MessageType defines the type of a speech pipeline message
type MessageType string

// Outbound message types
const (
	MessageTypeStart MessageType = "start"
	MessageTypeAudio MessageType = "audio"
	MessageTypeStop  MessageType = "stop"
)

// Inbound message types
const (
	MessageTypeStarted           MessageType = "started"
	MessageTypeUpstreamConnected MessageType = "deepgram_connected"
	MessageTypeUpstreamReady     MessageType = "upstream_ready"
	MessageTypeTranscript        MessageType = "transcript"
	MessageTypeUserMessage       MessageType = "user_message"
	MessageTypeAIResponse        MessageType = "ai_response"
	MessageTypeAudioChunk        MessageType = "audio_chunk"
	MessageTypeAudioComplete     MessageType = "audio_complete"
	MessageTypeStopped           MessageType = "stopped"
	MessageTypeError             MessageType = "error"
)

// BaseMessage defines the common structure for all pipeline messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// StartMessage opens a conversation once the transport is up.
// ChatID is serialised as null when no conversation is being resumed.
type StartMessage struct {
	BaseMessage
	ChatID *string `json:"chatId"`
	UserID string  `json:"userId"`
	Token  string  `json:"token"`
}

// AudioMessage carries one captured block as base64 16-bit PCM
type AudioMessage struct {
	BaseMessage
	Audio string `json:"audio"`
}

// StopMessage ends the conversation
type StopMessage struct {
	BaseMessage
}

// NewStartMessage encodes a start message
func NewStartMessage(chatID *string, userID, token string) ([]byte, error) {
	return json.Marshal(StartMessage{
		BaseMessage: BaseMessage{Type: MessageTypeStart},
		ChatID:      chatID,
		UserID:      userID,
		Token:       token,
	})
}

// NewAudioMessage encodes a PCM buffer as an audio message
func NewAudioMessage(pcm []byte) ([]byte, error) {
	return json.Marshal(AudioMessage{
		BaseMessage: BaseMessage{Type: MessageTypeAudio},
		Audio:       base64.StdEncoding.EncodeToString(pcm),
	})
}

// NewStopMessage encodes a stop message
func NewStopMessage() ([]byte, error) {
	return json.Marshal(StopMessage{BaseMessage: BaseMessage{Type: MessageTypeStop}})
}

// InboundMessage is any message received from the speech pipeline.
// Only the fields relevant to Type are populated.
type InboundMessage struct {
	BaseMessage
	ChatID      string `json:"chatId,omitempty"`
	Text        string `json:"text,omitempty"`
	IsFinal     bool   `json:"isFinal,omitempty"`
	Audio       string `json:"audio,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	Message     string `json:"message,omitempty"`
	// Seq is an optional per burst position of an audio chunk
	Seq *int `json:"seq,omitempty"`
}

// AudioBytes decodes the base64 payload of an audio chunk
func (m *InboundMessage) AudioBytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		return nil, fmt.Errorf("invalid audio payload: %w", err)
	}
	return data, nil
}

// DecodeInbound parses a pipeline message. Unknown types decode successfully so the caller
// can log and ignore them; only malformed JSON or a missing type is an error.
func DecodeInbound(payload []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message missing type field")
	}
	return &msg, nil
}

// Known reports whether t is one of the inbound types the session routes
func (t MessageType) Known() bool {
	switch t {
	case MessageTypeStarted, MessageTypeUpstreamConnected, MessageTypeUpstreamReady,
		MessageTypeTranscript, MessageTypeUserMessage, MessageTypeAIResponse,
		MessageTypeAudioChunk, MessageTypeAudioComplete, MessageTypeStopped, MessageTypeError:
		return true
	}
	return false
}
