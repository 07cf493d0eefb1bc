// Package audio converts between captured float samples and the wire formats used by the
// speech pipeline.
package audio

import (
	"encoding/binary"
	"math"
)

// Resample converts in from srcRate to dstRate by nearest-neighbour block averaging.
//
// Output sample i is the mean of the source samples in [round(i*r), round((i+1)*r)) where
// r = srcRate/dstRate. There is no filtering and no state carried between blocks, so each
// captured block can be converted independently. Equal or invalid rates copy the input.
func Resample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	if len(in) == 0 {
		return []float32{}
	}

	ratio := float64(srcRate) / float64(dstRate)
	out := make([]float32, ResampledLength(len(in), srcRate, dstRate))
	last := len(in) - 1

	for i := range out {
		start := int(math.Round(float64(i) * ratio))
		end := int(math.Round(float64(i+1) * ratio))
		if start > last {
			start = last
		}
		if end > len(in) {
			end = len(in)
		}
		if end <= start {
			// upsampling: the window is narrower than one source sample
			out[i] = in[start]
			continue
		}
		var sum float64
		for _, s := range in[start:end] {
			sum += float64(s)
		}
		out[i] = float32(sum / float64(end-start))
	}
	return out
}

// ResampledLength is the number of samples Resample produces for n input samples
func ResampledLength(n, srcRate, dstRate int) int {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return n
	}
	return int(math.Round(float64(n) * float64(dstRate) / float64(srcRate)))
}

// EncodePCM16 converts float samples to 16-bit signed little-endian PCM.
// Samples are clamped to [-1, 1]; NaN encodes as silence.
func EncodePCM16(in []float32) []byte {
	out := make([]byte, 2*len(in))
	for i, s := range in {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(toInt16(s)))
	}
	return out
}

// ResampleAndEncode converts one captured block into a wire ready PCM buffer
func ResampleAndEncode(frame []float32, srcRate, dstRate int) []byte {
	return EncodePCM16(Resample(frame, srcRate, dstRate))
}

// DecodePCM16 converts 16-bit signed little-endian PCM to float samples.
// A trailing odd byte is ignored.
func DecodePCM16(in []byte) []float32 {
	out := make([]float32, len(in)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(in[2*i:]))
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out
}

// Downmix averages interleaved channels into mono
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	out := make([]float32, len(interleaved)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func toInt16(s float32) int16 {
	if s != s {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}
