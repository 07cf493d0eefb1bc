// Package virtual provides headless audio devices for hosts without a sound card. Capture
// produces generated blocks at real time cadence and playback only waits for the duration
// of the audio it is given.
package virtual

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain/repositories"
)

// Device is a virtual microphone and speaker
type Device struct {
	// ToneHz is the frequency of the generated sine; zero produces silence
	ToneHz    float64
	Amplitude float32
	logger    *zap.Logger
}

// NewDevice creates a virtual device producing silence
func NewDevice(logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{
		Amplitude: 0.25,
		logger:    logger.With(zap.String("component", "virtual_audio")),
	}
}

// Open implements repositories.CaptureDevice
func (d *Device) Open(ctx context.Context, config repositories.CaptureConfig) (repositories.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if config.SampleRate <= 0 || config.FrameSize <= 0 {
		return nil, errors.New("virtual capture needs a positive sample rate and frame size")
	}

	d.logger.Info("Virtual microphone opened",
		zap.Int("sampleRate", config.SampleRate),
		zap.Int("frameSize", config.FrameSize),
		zap.Float64("toneHz", d.ToneHz))

	period := time.Duration(float64(config.FrameSize) / float64(config.SampleRate) * float64(time.Second))
	return &captureStream{
		config:    config,
		toneHz:    d.ToneHz,
		amplitude: d.Amplitude,
		ticker:    time.NewTicker(period),
		stop:      make(chan struct{}),
	}, nil
}

// OpenPlayback implements repositories.PlaybackOpener
func (d *Device) OpenPlayback(sampleRate int) (repositories.PlaybackDevice, error) {
	if sampleRate <= 0 {
		return nil, errors.New("virtual playback needs a positive sample rate")
	}
	d.logger.Info("Virtual speaker opened", zap.Int("sampleRate", sampleRate))
	return &playbackDevice{sampleRate: sampleRate, logger: d.logger}, nil
}

type captureStream struct {
	config    repositories.CaptureConfig
	toneHz    float64
	amplitude float32
	phase     float64
	ticker    *time.Ticker
	stop      chan struct{}
	stopOnce  sync.Once
}

func (c *captureStream) SampleRate() int {
	return c.config.SampleRate
}

func (c *captureStream) Read() ([]float32, error) {
	select {
	case <-c.stop:
		return nil, io.EOF
	case <-c.ticker.C:
	}

	block := make([]float32, c.config.FrameSize)
	if c.toneHz == 0 {
		return block, nil
	}
	step := 2 * math.Pi * c.toneHz / float64(c.config.SampleRate)
	for i := range block {
		block[i] = c.amplitude * float32(math.Sin(c.phase))
		c.phase += step
	}
	c.phase = math.Mod(c.phase, 2*math.Pi)
	return block, nil
}

func (c *captureStream) Stop() error {
	c.stopOnce.Do(func() {
		c.ticker.Stop()
		close(c.stop)
	})
	return nil
}

func (c *captureStream) Close() error {
	return c.Stop()
}

type playbackDevice struct {
	sampleRate int
	logger     *zap.Logger
}

// Play waits as long as the samples would take to play
func (p *playbackDevice) Play(ctx context.Context, samples []float32) error {
	duration := time.Duration(float64(len(samples)) / float64(p.sampleRate) * float64(time.Second))
	p.logger.Debug("Playing audio", zap.Int("samples", len(samples)), zap.Duration("duration", duration))

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *playbackDevice) Close() error {
	return nil
}
