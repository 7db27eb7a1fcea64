// ABOUTME: Ogg Vorbis file source
// ABOUTME: Decodes float PCM through jfreymuth/oggvorbis into 24-bit samples
package decode

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Resonate-Protocol/playout/pkg/audio"
	"github.com/jfreymuth/oggvorbis"
)

// VorbisSource reads from an Ogg Vorbis file
type VorbisSource struct {
	file     *os.File
	reader   *oggvorbis.Reader
	channels int
	title    string
	floatBuf []float32
}

// NewVorbisSource creates a new Ogg Vorbis audio source
func NewVorbisSource(filePath string) (*VorbisSource, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Ogg file: %w", err)
	}

	r, err := oggvorbis.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode Ogg Vorbis: %w", err)
	}
	if r.Channels() <= 0 {
		f.Close()
		return nil, fmt.Errorf("%w: Ogg Vorbis stream without channels", ErrUnsupportedFormat)
	}

	return &VorbisSource{
		file:     f,
		reader:   r,
		channels: r.Channels(),
		title:    titleFromPath(filePath),
	}, nil
}

func (s *VorbisSource) Read(samples []int32) (int, error) {
	want := (len(samples) / s.channels) * s.channels
	if want == 0 {
		return 0, nil
	}
	if cap(s.floatBuf) < want {
		s.floatBuf = make([]float32, want)
	}
	buf := s.floatBuf[:want]

	// Read returns interleaved values, always whole frames
	n, err := s.reader.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("vorbis decode error: %w", err)
	}
	n = (n / s.channels) * s.channels
	for i := 0; i < n; i++ {
		samples[i] = audio.SampleFromFloat32(buf[i])
	}
	if n == 0 && err != nil {
		return 0, io.EOF
	}
	return n, nil
}

// Frames returns the stream length in samples per channel.
func (s *VorbisSource) Frames() int64 {
	return s.reader.Length()
}

func (s *VorbisSource) SampleRate() int { return s.reader.SampleRate() }
func (s *VorbisSource) Channels() int   { return s.channels }
func (s *VorbisSource) Metadata() (string, string, string) {
	return s.title, "", ""
}
func (s *VorbisSource) Close() error {
	return s.file.Close()
}
