// ABOUTME: Audio type definitions
// ABOUTME: Defines stream formats and 24-bit sample conversions
package audio

import "math"

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23

	// Channels is the channel count of every buffer downstream of a decoder.
	Channels = 2
)

// Format describes a decoded stream.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	return int32(sample) << 8
}

// SampleFromBits rescales a signed sample of the given bit depth into the
// 24-bit range.
func SampleFromBits(sample int32, bits int) int32 {
	switch {
	case bits == 24:
		return sample
	case bits < 24:
		return sample << (24 - bits)
	default:
		return sample >> (bits - 24)
	}
}

// SampleFromFloat32 converts a [-1, 1] float sample to 24-bit range.
func SampleFromFloat32(sample float32) int32 {
	return Clamp24(int64(math.Round(float64(sample) * Max24Bit)))
}

// Clamp24 saturates a widened sample to the 24-bit range.
func Clamp24(v int64) int32 {
	if v > Max24Bit {
		return Max24Bit
	}
	if v < Min24Bit {
		return Min24Bit
	}
	return int32(v)
}

// Scale multiplies a sample by gain with saturation.
func Scale(sample int32, gain float64) int32 {
	return Clamp24(int64(float64(sample) * gain))
}
