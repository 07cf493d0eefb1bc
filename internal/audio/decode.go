package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ErrUnsupportedFormat is returned for bytes that are neither WAV nor MP3
var ErrUnsupportedFormat = errors.New("unsupported audio container")

// ContainerDecoder decodes synthesized speech chunks into mono float samples.
// WAV (RIFF/WAVE) and MP3 are recognised by their leading bytes.
type ContainerDecoder struct{}

// NewContainerDecoder creates a decoder for WAV and MP3 chunks
func NewContainerDecoder() *ContainerDecoder {
	return &ContainerDecoder{}
}

// Decode implements repositories.AudioDecoder
func (d *ContainerDecoder) Decode(data []byte) ([]float32, int, error) {
	switch {
	case isWAV(data):
		return decodeWAV(data)
	case isMP3(data):
		return decodeMP3(data)
	default:
		return nil, 0, ErrUnsupportedFormat
	}
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

func decodeWAV(data []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid wav data")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read wav samples: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, 0, fmt.Errorf("wav contains no samples")
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, 0, fmt.Errorf("unsupported wav bit depth %d", bitDepth)
	}
	scale := float32(int64(1) << uint(bitDepth-1))

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}

	channels := int(dec.NumChans)
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	return Downmix(samples, channels), int(dec.SampleRate), nil
}

func decodeMP3(data []byte) ([]float32, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("invalid mp3 data: %w", err)
	}

	// go-mp3 always yields 16-bit little-endian stereo
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read mp3 samples: %w", err)
	}
	if len(pcm) == 0 {
		return nil, 0, fmt.Errorf("mp3 contains no samples")
	}
	return Downmix(DecodePCM16(pcm), 2), dec.SampleRate(), nil
}
