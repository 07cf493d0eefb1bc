package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain"
	"github.com/satriahrh/arunika/voiceagent/domain/entities"
	"github.com/satriahrh/arunika/voiceagent/domain/repositories"
	"github.com/satriahrh/arunika/voiceagent/internal/auth"
	"github.com/satriahrh/arunika/voiceagent/internal/diagnostics"
	"github.com/satriahrh/arunika/voiceagent/internal/playback"
	"github.com/satriahrh/arunika/voiceagent/internal/session"
)

// ErrInvalidRequest is returned when a start request lacks a user or a token
var ErrInvalidRequest = errors.New("invalid session request")

// Observer receives session and playback counters, typically a metrics collector
type Observer interface {
	session.Observer
	playback.Observer
}

// VoiceConfig holds the settings applied to every session
type VoiceConfig struct {
	Session             session.Config
	PlaybackSampleRate  int
	DiagnosticsCapacity int
}

// StartRequest carries the caller supplied identity of a new session
type StartRequest struct {
	ChatID *string `json:"chatId"`
	UserID string  `json:"userId"`
	Token  string  `json:"token"`
}

// VoiceService owns the single voice session of this process. A session is created fresh
// for every call and a second start is rejected while one is running.
type VoiceService struct {
	cfg      VoiceConfig
	dialer   repositories.Dialer
	capture  repositories.CaptureDevice
	speaker  repositories.PlaybackOpener
	decoder  repositories.AudioDecoder
	sink     repositories.EventSink
	history  repositories.SessionHistory
	observer Observer
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *session.Session
	watches sync.WaitGroup
	now     func() time.Time
}

// NewVoiceService creates a new voice service
func NewVoiceService(
	cfg VoiceConfig,
	dialer repositories.Dialer,
	capture repositories.CaptureDevice,
	speaker repositories.PlaybackOpener,
	decoder repositories.AudioDecoder,
	sink repositories.EventSink,
	history repositories.SessionHistory,
	observer Observer,
	logger *zap.Logger,
) *VoiceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DiagnosticsCapacity <= 0 {
		cfg.DiagnosticsCapacity = diagnostics.DefaultCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &VoiceService{
		cfg:      cfg,
		dialer:   dialer,
		capture:  capture,
		speaker:  speaker,
		decoder:  decoder,
		sink:     sink,
		history:  history,
		observer: observer,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// StartSession starts a new session. The bearer token is forwarded unmodified; when it is a
// JWT its subject fills a missing user ID and an expired one is rejected before dialing.
func (s *VoiceService) StartSession(req StartRequest) (session.Snapshot, error) {
	info, err := auth.Inspect(req.Token, s.now())
	if err != nil {
		return session.Snapshot{}, err
	}
	if req.UserID == "" {
		req.UserID = info.Subject
	}
	if req.UserID == "" {
		return session.Snapshot{}, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if req.Token == "" {
		return session.Snapshot{}, fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ctx.Err(); err != nil {
		return session.Snapshot{}, fmt.Errorf("voice service is shut down: %w", err)
	}
	if s.running() {
		return session.Snapshot{}, domain.ErrSessionActive
	}

	sess := s.newSession(req)
	if err := sess.Start(s.ctx); err != nil {
		return session.Snapshot{}, err
	}
	s.current = sess

	s.watches.Add(1)
	go s.watch(sess)

	s.logger.Info("Voice session started",
		zap.String("userID", req.UserID),
		zap.Bool("jwt", info.IsJWT))
	return sess.Snapshot(), nil
}

func (s *VoiceService) newSession(req StartRequest) *session.Session {
	diag := diagnostics.NewLog(s.cfg.DiagnosticsCapacity, s.logger)

	opts := []playback.Option{playback.WithDiagnostics(diag)}
	var sessionObserver session.Observer
	if s.observer != nil {
		opts = append(opts, playback.WithObserver(s.observer))
		sessionObserver = s.observer
	}
	player := playback.NewScheduler(s.cfg.PlaybackSampleRate, s.decoder, s.speaker, s.logger, opts...)

	return session.New(s.cfg.Session, session.Dependencies{
		Dialer:      s.dialer,
		Capture:     s.capture,
		Player:      player,
		Sink:        s.sink,
		Diagnostics: diag,
		Observer:    sessionObserver,
	}, req.UserID, req.Token, req.ChatID, s.logger)
}

// StopSession ends the running session and waits until it is idle again
func (s *VoiceService) StopSession(ctx context.Context) error {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()

	if sess == nil {
		return domain.ErrNoSession
	}
	return sess.Stop(ctx)
}

// Snapshot returns the state of the running or most recent session. The second result is
// false when no session has been started yet.
func (s *VoiceService) Snapshot() (session.Snapshot, bool) {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()

	if sess == nil {
		return session.Snapshot{State: entities.SessionStateIdle}, false
	}
	return sess.Snapshot(), true
}

// History lists finished sessions, newest first
func (s *VoiceService) History(ctx context.Context, limit int) ([]*entities.SessionRecord, error) {
	if s.history == nil {
		return []*entities.SessionRecord{}, nil
	}
	return s.history.List(ctx, limit)
}

// Record returns the finished session with the given local ID
func (s *VoiceService) Record(ctx context.Context, localID string) (*entities.SessionRecord, error) {
	if s.history == nil {
		return nil, domain.ErrRecordNotFound
	}
	return s.history.GetByLocalID(ctx, localID)
}

// Shutdown stops the running session and waits for its record to be written
func (s *VoiceService) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.watches.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// running reports whether the current session still holds the devices. Callers hold mu.
func (s *VoiceService) running() bool {
	if s.current == nil {
		return false
	}
	select {
	case <-s.current.Done():
		return false
	default:
		return true
	}
}

// watch records the session once it has been torn down
func (s *VoiceService) watch(sess *session.Session) {
	defer s.watches.Done()
	<-sess.Done()

	snap := sess.Snapshot()
	record := &entities.SessionRecord{
		LocalID:      snap.LocalID,
		SessionID:    snap.SessionID,
		ChatID:       snap.ChatID,
		UserID:       snap.UserID,
		StartedAt:    snap.StartedAt,
		EndedAt:      s.now(),
		FinalState:   entities.SessionStateStopped,
		Messages:     len(snap.Conversation),
		LastError:    snap.LastError,
		Conversation: snap.Conversation,
	}
	if sess.Err() != nil {
		record.FinalState = entities.SessionStateError
	}

	s.logger.Info("Voice session finished",
		zap.String("localSessionID", record.LocalID),
		zap.String("sessionID", record.SessionID),
		zap.String("finalState", string(record.FinalState)),
		zap.Int("messages", record.Messages))

	if s.history == nil {
		return
	}
	if err := s.history.Save(context.Background(), record); err != nil {
		s.logger.Error("Failed to save session record", zap.Error(err))
	}
}
