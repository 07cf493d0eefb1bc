package session

import (
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain"
	"github.com/satriahrh/arunika/voiceagent/domain/entities"
	ws "github.com/satriahrh/arunika/voiceagent/internal/websocket"
)

// handleInbound routes one pipeline message. It runs on the session loop, so messages are
// applied strictly in arrival order.
func (s *Session) handleInbound(payload []byte) {
	msg, err := ws.DecodeInbound(payload)
	if err != nil {
		s.diag.Add("Ignoring malformed message: %v", err)
		return
	}
	label := string(msg.Type)
	if !msg.Type.Known() {
		label = inboundUnknown
	}
	s.deps.Observer.InboundMessage(label)

	state := s.State()
	if !state.Busy() {
		s.logger.Debug("Ignoring message while idle", zap.String("type", string(msg.Type)))
		return
	}

	switch msg.Type {
	case ws.MessageTypeStarted:
		s.onStarted(state, msg.ChatID)

	case ws.MessageTypeUpstreamConnected, ws.MessageTypeUpstreamReady:
		s.diag.Add("Speech recognition ready")
		s.emit(entities.EventTypeStatus, string(msg.Type))

	case ws.MessageTypeTranscript:
		s.onTranscript(msg.Text, msg.IsFinal)

	case ws.MessageTypeUserMessage:
		s.onConversationMessage(entities.MessageRoleUser, msg.Text)

	case ws.MessageTypeAIResponse:
		s.onConversationMessage(entities.MessageRoleAssistant, msg.Text)

	case ws.MessageTypeAudioChunk:
		s.onAudioChunk(msg)

	case ws.MessageTypeAudioComplete:
		s.diag.Add("Audio complete: %d chunks", msg.TotalChunks)
		s.lastSeq = nil

	case ws.MessageTypeStopped:
		s.diag.Add("Server stopped the session")
		s.finish(entities.TriggerServerStopped, nil)

	case ws.MessageTypeError:
		s.fault(&domain.ProtocolError{Message: msg.Message})

	default:
		s.diag.Add("Unknown message type: %s", msg.Type)
	}
}

func (s *Session) onStarted(state entities.SessionState, chatID string) {
	if state != entities.SessionStateConnected {
		s.diag.Add("Ignoring started while %s", state)
		return
	}

	if chatID != "" {
		s.mu.Lock()
		err := s.entity.BindID(chatID)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("Session id already bound", zap.String("chatId", chatID))
		}
	}

	if s.transition(entities.TriggerServerStarted) {
		s.diag.Add("Session started: %s", chatID)
	}
}

func (s *Session) onTranscript(text string, isFinal bool) {
	s.mu.Lock()
	// interim results overwrite each other; a final result replaces the interim text
	s.transcript = entities.TranscriptEntry{Text: text, IsFinal: isFinal}
	entry := s.transcript
	s.mu.Unlock()

	s.emit(entities.EventTypeTranscript, entry)
}

func (s *Session) onConversationMessage(role entities.MessageRole, text string) {
	message := entities.ConversationMessage{
		Role:      role,
		Content:   text,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	s.conversation = append(s.conversation, message)
	if role == entities.MessageRoleUser {
		s.transcript = entities.TranscriptEntry{}
	}
	s.processing = role == entities.MessageRoleUser
	processing := s.processing
	s.mu.Unlock()

	s.emit(entities.EventTypeMessage, message)
	s.emit(entities.EventTypeProcessing, processing)
}

func (s *Session) onAudioChunk(msg *ws.InboundMessage) {
	data, err := msg.AudioBytes()
	if err != nil {
		s.diag.Add("Dropping audio chunk: %v", err)
		return
	}

	if msg.Seq != nil {
		if s.lastSeq != nil && *msg.Seq != *s.lastSeq+1 {
			s.diag.Add("Audio chunk out of sequence: expected %d, got %d", *s.lastSeq+1, *msg.Seq)
		}
		seq := *msg.Seq
		s.lastSeq = &seq
	}

	if s.deps.Player == nil {
		return
	}
	s.deps.Player.Enqueue(data)
}
