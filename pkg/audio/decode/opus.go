// ABOUTME: Ogg Opus file source
// ABOUTME: Decodes through the libopusfile stream reader at 48kHz
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Resonate-Protocol/playout/pkg/audio"
	"gopkg.in/hraban/opus.v2"
)

// Opus always decodes at 48kHz
const opusSampleRate = 48000

// OpusSource reads from an Ogg Opus file
type OpusSource struct {
	file     *os.File
	stream   *opus.Stream
	channels int
	title    string
	pcm16    []int16
	eof      bool
}

// NewOpusSource creates a new Ogg Opus audio source
func NewOpusSource(filePath string) (*OpusSource, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Opus file: %w", err)
	}

	channels, err := opusChannels(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rewind Opus file: %w", err)
	}

	stream, err := opus.NewStream(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode Opus: %w", err)
	}

	return &OpusSource{
		file:     f,
		stream:   stream,
		channels: channels,
		title:    titleFromPath(filePath),
	}, nil
}

// opusChannels finds the OpusHead identification header in the first page
// and returns its channel count byte.
func opusChannels(r io.Reader) (int, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("failed to read Opus header: %w", err)
	}
	head = head[:n]

	idx := bytes.Index(head, []byte("OpusHead"))
	if idx < 0 || idx+9 >= len(head) {
		return 0, fmt.Errorf("%w: OpusHead not found", ErrUnsupportedFormat)
	}
	ch := int(head[idx+9])
	if ch <= 0 {
		return 0, fmt.Errorf("%w: Opus stream with %d channels", ErrUnsupportedFormat, ch)
	}
	return ch, nil
}

func (s *OpusSource) Read(samples []int32) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	want := (len(samples) / s.channels) * s.channels
	if want == 0 {
		return 0, nil
	}
	if cap(s.pcm16) < want {
		s.pcm16 = make([]int16, want)
	}
	pcm := s.pcm16[:want]

	written := 0
	for written < want {
		// n is samples per channel
		n, err := s.stream.Read(pcm[written:])
		if errors.Is(err, io.EOF) {
			s.eof = true
			break
		}
		if err != nil {
			return 0, fmt.Errorf("opus decode error: %w", err)
		}
		if n == 0 {
			break
		}
		written += n * s.channels
	}

	for i := 0; i < written; i++ {
		samples[i] = audio.SampleFromInt16(pcm[i])
	}
	if written == 0 && s.eof {
		return 0, io.EOF
	}
	return written, nil
}

func (s *OpusSource) SampleRate() int { return opusSampleRate }
func (s *OpusSource) Channels() int   { return s.channels }
func (s *OpusSource) Metadata() (string, string, string) {
	return s.title, "", ""
}
func (s *OpusSource) Close() error {
	err := s.stream.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
