// ABOUTME: Tests for audio types
// ABOUTME: Tests sample conversion and clamping functions
package audio

import "testing"

func TestSampleFromInt16(t *testing.T) {
	tests := []struct {
		name     string
		input    int16
		expected int32
	}{
		{"zero", 0, 0},
		{"positive", 100, 100 << 8},
		{"negative", -100, -100 << 8},
		{"max", 32767, 32767 << 8},
		{"min", -32768, -32768 << 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SampleFromInt16(tt.input)
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestSampleToInt16(t *testing.T) {
	tests := []struct {
		name     string
		input    int32
		expected int16
	}{
		{"zero", 0, 0},
		{"positive", 100 << 8, 100},
		{"negative", -100 << 8, -100},
		{"24bit positive", 1000000, 3906},
		{"24bit negative", -1000000, -3907},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SampleToInt16(tt.input)
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestSampleFromBits(t *testing.T) {
	tests := []struct {
		name     string
		input    int32
		bits     int
		expected int32
	}{
		{"8 bit", 1, 8, 1 << 16},
		{"16 bit", -2, 16, -2 << 8},
		{"20 bit", 3, 20, 3 << 4},
		{"24 bit", 12345, 24, 12345},
		{"32 bit", 1 << 20, 32, 1 << 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SampleFromBits(tt.input, tt.bits); got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestClamp24(t *testing.T) {
	if Clamp24(Max24Bit+10) != Max24Bit {
		t.Error("expected clamp to Max24Bit")
	}
	if Clamp24(Min24Bit-10) != Min24Bit {
		t.Error("expected clamp to Min24Bit")
	}
	if Clamp24(42) != 42 {
		t.Error("expected in-range value unchanged")
	}
}

func TestSampleFromFloat32(t *testing.T) {
	if got := SampleFromFloat32(1.0); got != Max24Bit {
		t.Errorf("expected %d, got %d", Max24Bit, got)
	}
	if got := SampleFromFloat32(2.0); got != Max24Bit {
		t.Errorf("expected clipping to %d, got %d", Max24Bit, got)
	}
	if got := SampleFromFloat32(0); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestRoundTrip16Bit(t *testing.T) {
	samples := []int16{0, 100, -100, 1000, -1000, 32767, -32768}

	for _, original := range samples {
		sample32 := SampleFromInt16(original)
		result := SampleToInt16(sample32)
		if result != original {
			t.Errorf("round-trip failed: %d -> %d -> %d", original, sample32, result)
		}
	}
}
