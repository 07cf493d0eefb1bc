// Package playback plays synthesized speech chunks one after another.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain/repositories"
	"github.com/satriahrh/arunika/voiceagent/internal/audio"
)

// Playback results reported to the Observer
const (
	ResultPlayed      = "played"
	ResultDecodeError = "decode_error"
	ResultDeviceError = "device_error"
	ResultPlayError   = "play_error"
	ResultCancelled   = "cancelled"
)

// DefaultSampleRate is the receive rate used when none is configured
const DefaultSampleRate = 24000

var errSuperseded = errors.New("playback reset")

// Diagnostics receives human readable trace lines
type Diagnostics interface {
	Add(format string, args ...interface{})
}

// Observer is notified of every chunk outcome
type Observer interface {
	ObservePlayback(result string)
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithDiagnostics mirrors skipped chunks and device failures to a diagnostics log
func WithDiagnostics(d Diagnostics) Option {
	return func(s *Scheduler) { s.diag = d }
}

// WithObserver reports chunk outcomes, typically to metrics
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// Scheduler is a FIFO of undecoded audio chunks drained by a single goroutine.
// The goroutine is started by the first Enqueue that finds the scheduler idle and exits
// once the queue is empty, so two chunks never play at the same time.
type Scheduler struct {
	decoder    repositories.AudioDecoder
	opener     repositories.PlaybackOpener
	sampleRate int
	logger     *zap.Logger
	diag       Diagnostics
	observer   Observer

	mu         sync.Mutex
	queue      [][]byte
	running    bool
	generation uint64
	cancelPlay context.CancelFunc
	device     repositories.PlaybackDevice
	loopDone   chan struct{}
}

// NewScheduler creates a scheduler that plays decoded chunks at sampleRate.
// The output device is opened lazily on the first chunk.
func NewScheduler(sampleRate int, decoder repositories.AudioDecoder, opener repositories.PlaybackOpener, logger *zap.Logger, opts ...Option) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		decoder:    decoder,
		opener:     opener,
		sampleRate: sampleRate,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends a chunk and starts the playback loop if it is not running
func (s *Scheduler) Enqueue(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, chunk)
	if s.running {
		return
	}

	s.running = true
	done := make(chan struct{})
	s.loopDone = done
	go s.loop(s.generation, done)
}

// Idle reports whether no playback loop is running
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running
}

// Pending returns the number of chunks waiting to be played
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SampleRate returns the receive sample rate
func (s *Scheduler) SampleRate() int {
	return s.sampleRate
}

// Reset discards queued chunks, cancels the chunk being played, waits for the loop to exit
// and releases the output device. The next Enqueue reopens the device.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.generation++
	dropped := len(s.queue)
	s.queue = nil
	s.running = false
	if s.cancelPlay != nil {
		s.cancelPlay()
		s.cancelPlay = nil
	}
	done := s.loopDone
	s.loopDone = nil
	device := s.device
	s.device = nil
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	if device != nil {
		if err := device.Close(); err != nil {
			s.logger.Warn("Failed to close playback device", zap.Error(err))
		}
	}
	if dropped > 0 {
		s.logger.Debug("Playback queue cleared", zap.Int("dropped", dropped))
	}
}

func (s *Scheduler) loop(generation uint64, done chan struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		if generation != s.generation {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		chunk := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelPlay = cancel
		s.mu.Unlock()

		s.report(s.play(ctx, generation, chunk))
		cancel()
	}
}

func (s *Scheduler) play(ctx context.Context, generation uint64, chunk []byte) string {
	samples, rate, err := s.decoder.Decode(chunk)
	if err != nil {
		s.logger.Warn("Skipping undecodable audio chunk", zap.Int("bytes", len(chunk)), zap.Error(err))
		s.trace("Playback: skipped chunk (%d bytes): %v", len(chunk), err)
		return ResultDecodeError
	}
	if rate > 0 && rate != s.sampleRate {
		samples = audio.Resample(samples, rate, s.sampleRate)
	}

	device, err := s.output(generation)
	if err != nil {
		if errors.Is(err, errSuperseded) {
			return ResultCancelled
		}
		s.logger.Error("Failed to open playback device", zap.Int("sampleRate", s.sampleRate), zap.Error(err))
		s.trace("Playback: output unavailable: %v", err)
		return ResultDeviceError
	}

	if err := device.Play(ctx, samples); err != nil {
		if ctx.Err() != nil {
			return ResultCancelled
		}
		s.logger.Warn("Audio chunk playback failed", zap.Error(err))
		s.trace("Playback: chunk failed: %v", err)
		return ResultPlayError
	}
	return ResultPlayed
}

// output returns the open device, opening it at the receive rate if needed
func (s *Scheduler) output(generation uint64) (repositories.PlaybackDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		return nil, errSuperseded
	}
	if s.device != nil {
		return s.device, nil
	}

	device, err := s.opener.OpenPlayback(s.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to open playback at %d Hz: %w", s.sampleRate, err)
	}
	s.device = device
	s.logger.Debug("Playback device opened", zap.Int("sampleRate", s.sampleRate))
	return device, nil
}

func (s *Scheduler) trace(format string, args ...interface{}) {
	if s.diag != nil {
		s.diag.Add(format, args...)
	}
}

func (s *Scheduler) report(result string) {
	if s.observer != nil {
		s.observer.ObservePlayback(result)
	}
}
