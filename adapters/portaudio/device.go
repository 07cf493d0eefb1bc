// Package portaudio implements the microphone and speaker ports on top of PortAudio
// blocking streams.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain"
	"github.com/satriahrh/arunika/voiceagent/domain/repositories"
)

// playbackFrames is the number of samples written to the output stream per call
const playbackFrames = 1024

// Device opens the default input and output devices. PortAudio reference counts
// Initialize and Terminate, so every stream holds its own reference.
type Device struct {
	logger *zap.Logger
}

// NewDevice creates a PortAudio backed capture and playback device
func NewDevice(logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{logger: logger.With(zap.String("component", "portaudio"))}
}

// Open implements repositories.CaptureDevice
func (d *Device) Open(ctx context.Context, config repositories.CaptureConfig) (repositories.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	info, err := pa.DefaultInputDevice()
	if err != nil {
		pa.Terminate()
		return nil, fmt.Errorf("%w: no input device: %v", domain.ErrPermissionDenied, err)
	}

	buffer := make([]float32, config.FrameSize)
	stream, err := pa.OpenDefaultStream(1, 0, float64(config.SampleRate), len(buffer), buffer)
	if err != nil {
		pa.Terminate()
		return nil, openError("input", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		pa.Terminate()
		return nil, openError("input", err)
	}

	d.logger.Info("Microphone opened",
		zap.String("device", info.Name),
		zap.Int("sampleRate", config.SampleRate),
		zap.Int("frameSize", config.FrameSize))

	return &captureStream{
		stream:     stream,
		buffer:     buffer,
		sampleRate: config.SampleRate,
		logger:     d.logger,
	}, nil
}

// OpenPlayback implements repositories.PlaybackOpener
func (d *Device) OpenPlayback(sampleRate int) (repositories.PlaybackDevice, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	buffer := make([]float32, playbackFrames)
	stream, err := pa.OpenDefaultStream(0, 1, float64(sampleRate), len(buffer), buffer)
	if err != nil {
		pa.Terminate()
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		pa.Terminate()
		return nil, fmt.Errorf("start output stream: %w", err)
	}

	d.logger.Info("Speaker opened", zap.Int("sampleRate", sampleRate))
	return &playbackStream{stream: stream, buffer: buffer}, nil
}

// openError maps device availability failures to a permission error; the user has to grant
// or free the device before retrying
func openError(direction string, err error) error {
	var paErr pa.Error
	if errors.As(err, &paErr) {
		switch paErr {
		case pa.DeviceUnavailable, pa.InvalidDevice:
			return fmt.Errorf("%w: %s device: %v", domain.ErrPermissionDenied, direction, err)
		}
	}
	return fmt.Errorf("open %s stream: %w", direction, err)
}

type captureStream struct {
	mu         sync.Mutex
	stream     *pa.Stream
	buffer     []float32
	sampleRate int
	stopped    atomic.Bool
	closeOnce  sync.Once
	logger     *zap.Logger
}

func (c *captureStream) SampleRate() int {
	return c.sampleRate
}

// Read blocks until the next buffer has been filled. The returned slice is a copy.
func (c *captureStream) Read() ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.stopped.Load() {
			return nil, io.EOF
		}
		err := c.stream.Read()
		if c.stopped.Load() {
			return nil, io.EOF
		}
		if errors.Is(err, pa.InputOverflowed) {
			c.logger.Debug("Microphone input overflowed")
			continue
		}
		if err != nil {
			return nil, err
		}
		block := make([]float32, len(c.buffer))
		copy(block, c.buffer)
		return block, nil
	}
}

// Stop aborts the stream so a pending Read returns promptly
func (c *captureStream) Stop() error {
	if c.stopped.Swap(true) {
		return nil
	}
	return c.stream.Abort()
}

func (c *captureStream) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if !c.stopped.Swap(true) {
			err = c.stream.Abort()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if closeErr := c.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		pa.Terminate()
	})
	return err
}

type playbackStream struct {
	mu        sync.Mutex
	stream    *pa.Stream
	buffer    []float32
	closeOnce sync.Once
}

// Play writes samples one buffer at a time and stops between buffers once ctx is done
func (p *playbackStream) Play(ctx context.Context, samples []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for offset := 0; offset < len(samples); offset += len(p.buffer) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(p.buffer, samples[offset:])
		for i := n; i < len(p.buffer); i++ {
			p.buffer[i] = 0
		}
		if err := p.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}

func (p *playbackStream) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if stopErr := p.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := p.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		pa.Terminate()
	})
	return err
}
