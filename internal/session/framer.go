package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain/entities"
	"github.com/satriahrh/arunika/voiceagent/domain/repositories"
	"github.com/satriahrh/arunika/voiceagent/internal/audio"
	ws "github.com/satriahrh/arunika/voiceagent/internal/websocket"
)

// Reasons reported to Observer.FrameDropped
const (
	DropQueueFull  = "queue_full"
	DropInactive   = "inactive"
	DropSendFailed = "send_failed"
	DropStopped    = "stopped"
)

const captureStopTimeout = 2 * time.Second

// startCapture runs the capture goroutine. Each block is resampled and encoded there and
// handed to the loop without blocking; a full queue drops the block.
func (s *Session) startCapture(stream repositories.CaptureStream) {
	s.capturing.Store(true)
	s.captureDone = make(chan struct{})
	go s.capture(stream, s.captureDone)
}

func (s *Session) capture(stream repositories.CaptureStream, done chan<- struct{}) {
	defer close(done)

	srcRate := stream.SampleRate()
	for s.capturing.Load() {
		block, err := stream.Read()
		if !s.capturing.Load() {
			return
		}
		if err != nil {
			select {
			case s.faults <- fmt.Errorf("microphone capture failed: %w", err):
			default:
			}
			return
		}

		pcm := audio.ResampleAndEncode(block, srcRate, s.cfg.TargetSampleRate)
		s.deps.Observer.FrameCaptured()

		select {
		case s.frames <- pcm:
		default:
			s.deps.Observer.FrameDropped(DropQueueFull)
		}
	}
}

// stopCapture halts the capture goroutine so no further blocks are produced
func (s *Session) stopCapture() {
	if !s.capturing.Swap(false) {
		return
	}
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			s.logger.Warn("Failed to stop microphone", zap.Error(err))
		}
	}
	if s.captureDone != nil {
		select {
		case <-s.captureDone:
		case <-time.After(captureStopTimeout):
			s.logger.Warn("Capture goroutine did not exit in time")
		}
		s.captureDone = nil
	}
}

// releaseFrames discards encoded blocks that were queued but not yet sent
func (s *Session) releaseFrames() {
	for {
		select {
		case <-s.frames:
			s.deps.Observer.FrameDropped(DropStopped)
		default:
			return
		}
	}
}

// sendFrame transmits one encoded block, but only while the session is active
func (s *Session) sendFrame(pcm []byte) {
	if s.State() != entities.SessionStateActive || s.transport == nil {
		s.deps.Observer.FrameDropped(DropInactive)
		return
	}

	payload, err := ws.NewAudioMessage(pcm)
	if err != nil {
		s.logger.Error("Failed to encode audio message", zap.Error(err))
		s.deps.Observer.FrameDropped(DropSendFailed)
		return
	}
	if err := s.transport.Send(payload); err != nil {
		s.logger.Debug("Dropping audio frame", zap.Error(err))
		s.deps.Observer.FrameDropped(DropSendFailed)
		return
	}
	s.deps.Observer.FrameSent()
}

func (s *Session) sendControl(name string, build func() ([]byte, error)) {
	payload, err := build()
	if err != nil {
		s.logger.Error("Failed to encode control message", zap.String("type", name), zap.Error(err))
		return
	}
	if err := s.transport.Send(payload); err != nil {
		s.logger.Warn("Failed to send control message", zap.String("type", name), zap.Error(err))
		s.diag.Add("Could not send %s: %v", name, err)
		return
	}
	s.diag.Add("Sent %s", name)
}
