package virtual

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain/repositories"
)

func TestCapture_ProducesBlocks(t *testing.T) {
	device := NewDevice(zap.NewNop())
	device.ToneHz = 440

	stream, err := device.Open(context.Background(), repositories.CaptureConfig{SampleRate: 16000, FrameSize: 160})
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, 16000, stream.SampleRate())

	block, err := stream.Read()
	require.NoError(t, err)
	require.Len(t, block, 160)

	var nonZero bool
	for _, s := range block {
		assert.LessOrEqual(t, s, float32(0.25))
		if s != 0 {
			nonZero = true
		}
	}
	assert.True(t, nonZero, "tone should not be silent")
}

func TestCapture_SilenceByDefault(t *testing.T) {
	stream, err := NewDevice(nil).Open(context.Background(), repositories.CaptureConfig{SampleRate: 16000, FrameSize: 16})
	require.NoError(t, err)
	defer stream.Close()

	block, err := stream.Read()
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 16), block)
}

func TestCapture_StopUnblocksRead(t *testing.T) {
	// one block every second
	stream, err := NewDevice(nil).Open(context.Background(), repositories.CaptureConfig{SampleRate: 100, FrameSize: 100})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := stream.Read()
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, stream.Stop())

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, io.EOF))
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Read did not return after Stop")
	}
	assert.NoError(t, stream.Close())
}

func TestCapture_RejectsBadConfig(t *testing.T) {
	_, err := NewDevice(nil).Open(context.Background(), repositories.CaptureConfig{})
	assert.Error(t, err)
}

func TestPlayback_HonoursContext(t *testing.T) {
	device, err := NewDevice(nil).OpenPlayback(8000)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, device.Play(context.Background(), make([]float32, 80)))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// ten seconds of audio
	err = device.Play(ctx, make([]float32, 80000))
	assert.ErrorIs(t, err, context.Canceled)
}
