// ABOUTME: FLAC file source
// ABOUTME: Decodes FLAC frames through mewkiz/flac, carrying partial frames across reads
package decode

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Resonate-Protocol/playout/pkg/audio"
	"github.com/mewkiz/flac"
)

// FLACSource reads from a FLAC file
type FLACSource struct {
	file       *os.File
	stream     *flac.Stream
	sampleRate int
	channels   int
	bitDepth   int
	title      string

	// interleaved samples of the last parsed frame not yet returned
	pending  []int32
	frameBuf []int32
}

// NewFLACSource creates a new FLAC audio source
func NewFLACSource(filePath string) (*FLACSource, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	return &FLACSource{
		file:       f,
		stream:     stream,
		sampleRate: int(info.SampleRate),
		channels:   int(info.NChannels),
		bitDepth:   int(info.BitsPerSample),
		title:      titleFromPath(filePath),
	}, nil
}

func (s *FLACSource) Read(samples []int32) (int, error) {
	want := (len(samples) / s.channels) * s.channels
	written := 0

	for written < want {
		if len(s.pending) == 0 {
			frame, err := s.stream.ParseNext()
			if errors.Is(err, io.EOF) {
				if written == 0 {
					return 0, io.EOF
				}
				return written, nil
			}
			if err != nil {
				return written, fmt.Errorf("flac decode error: %w", err)
			}

			block := int(frame.BlockSize)
			if cap(s.frameBuf) < block*s.channels {
				s.frameBuf = make([]int32, block*s.channels)
			}
			s.pending = s.frameBuf[:block*s.channels]
			for i := 0; i < block; i++ {
				for ch := 0; ch < s.channels; ch++ {
					s.pending[i*s.channels+ch] = audio.SampleFromBits(frame.Subframes[ch].Samples[i], s.bitDepth)
				}
			}
		}

		n := copy(samples[written:want], s.pending)
		s.pending = s.pending[n:]
		written += n
	}

	return written, nil
}

// Frames returns the total sample count from STREAMINFO, 0 if unknown.
func (s *FLACSource) Frames() int64 {
	return int64(s.stream.Info.NSamples)
}

func (s *FLACSource) SampleRate() int { return s.sampleRate }
func (s *FLACSource) Channels() int   { return s.channels }
func (s *FLACSource) Metadata() (string, string, string) {
	return s.title, "", ""
}
func (s *FLACSource) Close() error {
	return s.file.Close()
}
