// ABOUTME: MP3 file source
// ABOUTME: Decodes MP3 through go-mp3 into 24-bit stereo samples
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Resonate-Protocol/playout/pkg/audio"
	"github.com/hajimehoshi/go-mp3"
)

// MP3Source reads from an MP3 file
type MP3Source struct {
	file       *os.File
	decoder    *mp3.Decoder
	sampleRate int
	title      string
	buf        []byte
}

// NewMP3Source creates a new MP3 audio source
func NewMP3Source(filePath string) (*MP3Source, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	return &MP3Source{
		file:       f,
		decoder:    decoder,
		sampleRate: decoder.SampleRate(),
		title:      titleFromPath(filePath),
	}, nil
}

// go-mp3 always produces 16-bit little-endian stereo
const mp3BytesPerFrame = 4

func (s *MP3Source) Read(samples []int32) (int, error) {
	frames := len(samples) / 2
	if frames == 0 {
		return 0, nil
	}
	need := frames * mp3BytesPerFrame
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	n, err := io.ReadFull(s.decoder, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("mp3 decode error: %w", err)
	}

	numSamples := (n / mp3BytesPerFrame) * 2
	for i := 0; i < numSamples; i++ {
		samples[i] = audio.SampleFromInt16(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	}

	if err != nil {
		return numSamples, io.EOF
	}
	return numSamples, nil
}

// Frames returns the decoded length, or 0 when the stream cannot tell.
func (s *MP3Source) Frames() int64 {
	if l := s.decoder.Length(); l > 0 {
		return l / mp3BytesPerFrame
	}
	return 0
}

func (s *MP3Source) SampleRate() int { return s.sampleRate }
func (s *MP3Source) Channels() int   { return 2 }
func (s *MP3Source) Metadata() (string, string, string) {
	return s.title, "", ""
}
func (s *MP3Source) Close() error {
	return s.file.Close()
}
