package repositories

import "context"

// CaptureDevice abstracts a microphone
type CaptureDevice interface {
	// Open acquires the device. It returns an error wrapping domain.ErrPermissionDenied
	// when access to the microphone is refused.
	Open(ctx context.Context, config CaptureConfig) (CaptureStream, error)
}

// CaptureConfig describes the blocks a capture stream produces
type CaptureConfig struct {
	SampleRate int `json:"sample_rate"`
	FrameSize  int `json:"frame_size"`
}

// CaptureStream produces fixed size blocks of native rate float samples
type CaptureStream interface {
	// SampleRate is the native rate of the blocks returned by Read
	SampleRate() int
	// Read blocks until the next block is captured
	Read() ([]float32, error)
	// Stop halts capture; a pending Read returns
	Stop() error
	// Close releases the device
	Close() error
}

// PlaybackDevice abstracts an audio output
type PlaybackDevice interface {
	// Play blocks until samples have been played to completion or ctx is done
	Play(ctx context.Context, samples []float32) error
	// Close releases the device
	Close() error
}

// PlaybackOpener opens an output at the given sample rate
type PlaybackOpener interface {
	OpenPlayback(sampleRate int) (PlaybackDevice, error)
}

// AudioDecoder turns self describing container bytes into samples
type AudioDecoder interface {
	Decode(data []byte) (samples []float32, sampleRate int, err error)
}
