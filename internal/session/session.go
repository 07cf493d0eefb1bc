// Package session runs one voice conversation: it dials the speech pipeline, streams
// microphone audio while the pipeline has acknowledged the session, routes pipeline events
// and tears everything down again.
//
// All session state is owned by a single event loop goroutine. Capture blocks, inbound
// transport messages, dial results and stop requests reach it over channels.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain"
	"github.com/satriahrh/arunika/voiceagent/domain/entities"
	"github.com/satriahrh/arunika/voiceagent/domain/repositories"
	"github.com/satriahrh/arunika/voiceagent/internal/diagnostics"
	ws "github.com/satriahrh/arunika/voiceagent/internal/websocket"
)

// ErrConnectTimeout is the cause of a TransportError when the pipeline does not acknowledge
// a session within Config.ConnectTimeout
var ErrConnectTimeout = errors.New("timed out waiting for session acknowledgement")

// Config holds per session settings
type Config struct {
	URL               string
	CaptureSampleRate int
	TargetSampleRate  int
	FrameSize         int
	// ConnectTimeout bounds the time between Start and the started acknowledgement.
	// Zero waits indefinitely.
	ConnectTimeout time.Duration
	// FrameQueueSize is the number of encoded blocks buffered between capture and the loop
	FrameQueueSize int
}

func (c Config) withDefaults() Config {
	if c.CaptureSampleRate <= 0 {
		c.CaptureSampleRate = 48000
	}
	if c.TargetSampleRate <= 0 {
		c.TargetSampleRate = 16000
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 4096
	}
	if c.FrameQueueSize <= 0 {
		c.FrameQueueSize = 8
	}
	return c
}

// Player is the playback side of a session
type Player interface {
	Enqueue(chunk []byte)
	Reset()
	Pending() int
}

// inboundUnknown labels every inbound type the router does not recognize
const inboundUnknown = "unknown"

// Observer receives counters about a running session. InboundMessage receives either a
// known message type or "unknown".
type Observer interface {
	FrameCaptured()
	FrameSent()
	FrameDropped(reason string)
	InboundMessage(messageType string)
	StateTransition(from, to entities.SessionState)
}

// Dependencies are the collaborators a session drives
type Dependencies struct {
	Dialer      repositories.Dialer
	Capture     repositories.CaptureDevice
	Player      Player
	Sink        repositories.EventSink
	Diagnostics *diagnostics.Log
	Observer    Observer
}

// Snapshot is a consistent copy of the session's observable state
type Snapshot struct {
	LocalID         string                         `json:"local_id"`
	SessionID       string                         `json:"session_id,omitempty"`
	ChatID          *string                        `json:"chat_id,omitempty"`
	UserID          string                         `json:"user_id"`
	State           entities.SessionState          `json:"state"`
	StartedAt       time.Time                      `json:"started_at"`
	Transcript      entities.TranscriptEntry       `json:"transcript"`
	Conversation    []entities.ConversationMessage `json:"conversation"`
	Processing      bool                           `json:"processing"`
	LastError       string                         `json:"last_error,omitempty"`
	Diagnostics     []entities.DiagnosticEntry     `json:"diagnostics"`
	PlaybackPending int                            `json:"playback_pending"`
}

type dialResult struct {
	transport repositories.Transport
	err       error
}

// Session is one voice conversation. Create it with New, run it with Start and end it
// with Stop; a Session is not reused after it returns to idle.
type Session struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
	diag   *diagnostics.Log

	// guarded by mu; written by the loop, read by Snapshot
	mu           sync.RWMutex
	entity       *entities.Session
	transcript   entities.TranscriptEntry
	conversation []entities.ConversationMessage
	processing   bool
	lastErr      error
	started      bool

	// loop owned
	transport    repositories.Transport
	stream       repositories.CaptureStream
	cancelDial   context.CancelFunc
	dialPending  chan dialResult
	connectTimer *time.Timer
	lastSeq      *int
	finished     bool

	capturing   atomic.Bool
	captureDone chan struct{}
	frames      chan []byte
	faults      chan error
	stopReq     chan struct{}
	done        chan struct{}
	now         func() time.Time
}

// New creates an idle session for one call
func New(cfg Config, deps Dependencies, userID, authToken string, chatID *string, logger *zap.Logger) *Session {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	entity := entities.NewSession(userID, authToken, chatID)
	logger = logger.With(zap.String("localSessionID", entity.LocalID))

	s := &Session{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		diag:    deps.Diagnostics,
		entity:  entity,
		frames:  make(chan []byte, cfg.FrameQueueSize),
		faults:  make(chan error, 1),
		stopReq: make(chan struct{}, 1),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	if s.diag == nil {
		s.diag = diagnostics.NewLog(diagnostics.DefaultCapacity, logger)
	}
	s.diag.OnAdd(func(entry entities.DiagnosticEntry) {
		s.emit(entities.EventTypeDiagnostic, entry)
	})
	return s
}

// Start requests a session. It fails with domain.ErrSessionActive when the session has
// already been started. The dial and everything after it run on the session loop, bounded
// by ctx.
func (s *Session) Start(ctx context.Context) error {
	if err := s.entity.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return domain.ErrSessionActive
	}
	s.started = true
	s.mu.Unlock()

	if !s.transition(entities.TriggerStartRequested) {
		return domain.ErrSessionActive
	}
	s.diag.Add("Connecting to %s", s.cfg.URL)

	dialCtx, cancel := context.WithCancel(ctx)
	s.cancelDial = cancel
	s.dialPending = make(chan dialResult, 1)
	go func(results chan<- dialResult) {
		transport, err := s.deps.Dialer.Dial(dialCtx, s.cfg.URL, nil)
		results <- dialResult{transport: transport, err: err}
	}(s.dialPending)

	if s.cfg.ConnectTimeout > 0 {
		s.connectTimer = time.NewTimer(s.cfg.ConnectTimeout)
	}

	go s.run(ctx)
	return nil
}

// Stop ends the session at the user's request and waits until it is idle again
func (s *Session) Stop(ctx context.Context) error {
	select {
	case <-s.done:
		return domain.ErrNoSession
	default:
	}

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return domain.ErrNoSession
	}

	select {
	case s.stopReq <- struct{}{}:
	default:
		// a stop is already pending
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the session has been torn down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state
func (s *Session) State() entities.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entity.State
}

// Err returns the fault that ended the session, if any
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Snapshot returns a copy of the session's observable state
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		LocalID:      s.entity.LocalID,
		ChatID:       s.entity.ChatID,
		UserID:       s.entity.UserID,
		State:        s.entity.State,
		StartedAt:    s.entity.StartedAt,
		Transcript:   s.transcript,
		Conversation: make([]entities.ConversationMessage, len(s.conversation)),
		SessionID:    s.entity.ID,
		Processing:   s.processing,
	}
	copy(snap.Conversation, s.conversation)
	if s.lastErr != nil {
		snap.LastError = domain.UserMessage(s.lastErr)
	}
	s.mu.RUnlock()

	snap.Diagnostics = s.diag.Entries()
	if s.deps.Player != nil {
		snap.PlaybackPending = s.deps.Player.Pending()
	}
	return snap
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for !s.finished {
		var inbound <-chan []byte
		if s.transport != nil {
			inbound = s.transport.Inbound()
		}
		var timeout <-chan time.Time
		if s.connectTimer != nil {
			timeout = s.connectTimer.C
		}

		select {
		case result := <-s.dialPending:
			s.dialPending = nil
			s.onDialed(ctx, result)

		case payload, ok := <-inbound:
			if !ok {
				s.onTransportClosed()
				continue
			}
			s.handleInbound(payload)

		case pcm := <-s.frames:
			s.sendFrame(pcm)

		case err := <-s.faults:
			s.fault(err)

		case <-s.stopReq:
			s.userStop()

		case <-timeout:
			s.connectTimer = nil
			s.fault(&domain.TransportError{Op: "connect", URL: s.cfg.URL, Err: ErrConnectTimeout})

		case <-ctx.Done():
			s.userStop()
		}
	}
}

func (s *Session) onDialed(ctx context.Context, result dialResult) {
	if result.err != nil {
		var transportErr *domain.TransportError
		if !errors.As(result.err, &transportErr) {
			result.err = &domain.TransportError{Op: "dial", URL: s.cfg.URL, Err: result.err}
		}
		s.fault(result.err)
		return
	}
	s.transport = result.transport
	s.diag.Add("Transport open")

	stream, err := s.deps.Capture.Open(ctx, repositories.CaptureConfig{
		SampleRate: s.cfg.CaptureSampleRate,
		FrameSize:  s.cfg.FrameSize,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrPermissionDenied) {
			err = fmt.Errorf("failed to open microphone: %w", err)
		}
		s.fault(err)
		return
	}
	s.stream = stream
	s.diag.Add("Microphone granted at %d Hz", stream.SampleRate())

	if !s.transition(entities.TriggerTransportOpen) {
		return
	}

	s.mu.RLock()
	chatID, userID, token := s.entity.ChatID, s.entity.UserID, s.entity.AuthToken
	s.mu.RUnlock()

	s.sendControl("start", func() ([]byte, error) { return ws.NewStartMessage(chatID, userID, token) })
	s.startCapture(stream)
}

func (s *Session) onTransportClosed() {
	err := s.transport.Err()
	if err != nil {
		s.fault(err)
		return
	}
	s.diag.Add("Transport closed by server")
	s.finish(entities.TriggerServerStopped, nil)
}

func (s *Session) userStop() {
	if s.transport != nil {
		s.sendControl("stop", ws.NewStopMessage)
	}
	s.diag.Add("Stop requested")
	s.finish(entities.TriggerUserStop, nil)
}

func (s *Session) fault(err error) {
	s.logger.Error("Voice session failed", zap.Error(err))
	s.diag.Add("Error: %v", err)
	s.finish(entities.TriggerFault, err)
}

// finish moves to stopped or error, releases every resource in order and returns to idle.
// It runs at most once.
func (s *Session) finish(trigger entities.Trigger, cause error) {
	if s.finished {
		return
	}
	s.finished = true

	if cause != nil {
		s.mu.Lock()
		s.lastErr = cause
		s.mu.Unlock()
	}
	s.transition(trigger)
	if cause != nil {
		s.emit(entities.EventTypeError, domain.UserMessage(cause))
	}

	s.cleanup()

	if s.State().Terminal() {
		s.transition(entities.TriggerReset)
	} else {
		// the trigger was not valid from the state we were in
		s.mu.Lock()
		s.entity.State = entities.SessionStateIdle
		s.mu.Unlock()
		s.emit(entities.EventTypeStatus, nil)
	}
	s.logger.Info("Voice session ended", zap.String("trigger", string(trigger)), zap.Error(cause))
}

// cleanup stops capture, releases the microphone and the processing pipeline, closes the
// transport and clears queued playback
func (s *Session) cleanup() {
	s.stopCapture()

	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Warn("Failed to release microphone", zap.Error(err))
		}
		s.stream = nil
	}

	s.releaseFrames()

	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if pending := s.dialPending; pending != nil {
		s.dialPending = nil
		go func() {
			if result := <-pending; result.transport != nil {
				result.transport.Close()
			}
		}()
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Warn("Failed to close transport", zap.Error(err))
		}
		s.transport = nil
	}

	if s.deps.Player != nil {
		s.deps.Player.Reset()
	}
	s.lastSeq = nil
}

// transition applies trigger to the session state and publishes the change
func (s *Session) transition(trigger entities.Trigger) bool {
	s.mu.Lock()
	prev, ok := s.entity.Apply(trigger)
	next := s.entity.State
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Ignoring transition", zap.String("state", string(prev)), zap.String("trigger", string(trigger)))
		return false
	}

	s.logger.Info("Session state changed", zap.String("from", string(prev)), zap.String("to", string(next)))
	s.deps.Observer.StateTransition(prev, next)
	s.emit(entities.EventTypeStatus, nil)

	if next == entities.SessionStateActive && s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	return true
}

func (s *Session) emit(eventType entities.EventType, payload interface{}) {
	s.mu.RLock()
	event := entities.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: s.entity.ID,
		State:     s.entity.State,
		Timestamp: s.now(),
		Payload:   payload,
	}
	s.mu.RUnlock()

	s.deps.Sink.Publish(event)
}

type nopSink struct{}

func (nopSink) Publish(entities.Event) {}

type nopObserver struct{}

func (nopObserver) FrameCaptured()                             {}
func (nopObserver) FrameSent()                                 {}
func (nopObserver) FrameDropped(string)                        {}
func (nopObserver) InboundMessage(string)                      {}
func (nopObserver) StateTransition(_, _ entities.SessionState) {}
