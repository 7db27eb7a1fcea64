// ABOUTME: Synthetic sine tone source
// ABOUTME: Serves tone:<hz>:<ms>[:<rate>] paths for verification runs and tests
package decode

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/Resonate-Protocol/playout/pkg/audio"
)

const (
	tonePrefix = "tone:"

	// DefaultToneRate is used when a tone path omits the rate.
	DefaultToneRate = 44100
)

// ToneSource generates a fixed-length stereo sine wave at half scale.
type ToneSource struct {
	frequency  float64
	sampleRate int
	total      int64
	pos        int64
}

// TonePath builds a path understood by Open.
func TonePath(hz float64, ms int64, rate int) string {
	return fmt.Sprintf("%s%g:%d:%d", tonePrefix, hz, ms, rate)
}

// NewToneSource parses tone:<hz>:<ms>[:<rate>].
func NewToneSource(path string) (*ToneSource, error) {
	parts := strings.Split(strings.TrimPrefix(path, tonePrefix), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("invalid tone path %q (want tone:<hz>:<ms>[:<rate>])", path)
	}

	hz, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || hz <= 0 {
		return nil, fmt.Errorf("invalid tone frequency in %q", path)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || ms <= 0 {
		return nil, fmt.Errorf("invalid tone length in %q", path)
	}
	rate := DefaultToneRate
	if len(parts) == 3 {
		rate, err = strconv.Atoi(parts[2])
		if err != nil || rate <= 0 {
			return nil, fmt.Errorf("invalid tone rate in %q", path)
		}
	}

	return &ToneSource{
		frequency:  hz,
		sampleRate: rate,
		total:      ms * int64(rate) / 1000,
	}, nil
}

func (s *ToneSource) Read(samples []int32) (int, error) {
	remaining := s.total - s.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	frames := int64(len(samples) / 2)
	if frames > remaining {
		frames = remaining
	}

	for i := int64(0); i < frames; i++ {
		t := float64(s.pos+i) / float64(s.sampleRate)
		v := audio.SampleFromFloat32(float32(0.5 * math.Sin(2*math.Pi*s.frequency*t)))
		samples[i*2] = v
		samples[i*2+1] = v
	}
	s.pos += frames

	return int(frames * 2), nil
}

// Frames returns the tone length.
func (s *ToneSource) Frames() int64 { return s.total }

func (s *ToneSource) SampleRate() int { return s.sampleRate }
func (s *ToneSource) Channels() int   { return 2 }
func (s *ToneSource) Metadata() (string, string, string) {
	return fmt.Sprintf("Tone %gHz", s.frequency), "playout", ""
}
func (s *ToneSource) Close() error { return nil }
