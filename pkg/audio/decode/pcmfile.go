// ABOUTME: WAV and AIFF file sources
// ABOUTME: Reads uncompressed PCM through the go-audio decoders
package decode

import (
	"fmt"
	"io"
	"os"

	"github.com/Resonate-Protocol/playout/pkg/audio"
	"github.com/go-audio/aiff"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// pcmReader is the part of the go-audio decoders a PCMFileSource uses.
type pcmReader interface {
	PCMBuffer(buf *goaudio.IntBuffer) (int, error)
}

// PCMFileSource reads a WAV or AIFF file.
type PCMFileSource struct {
	file       *os.File
	dec        pcmReader
	format     *goaudio.Format
	sampleRate int
	channels   int
	bitDepth   int
	frames     int64
	title      string
	unsigned8  bool
	intBuf     *goaudio.IntBuffer
}

// NewWAVSource creates a source for a RIFF/WAVE file.
func NewWAVSource(filePath string) (*PCMFileSource, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%w: not a valid WAV file: %s", ErrUnsupportedFormat, filePath)
	}
	dec.ReadInfo()
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to locate WAV data: %w", err)
	}

	format := dec.Format()
	var frames int64
	if bytesPerFrame := int64(format.NumChannels) * int64(dec.BitDepth) / 8; bytesPerFrame > 0 {
		frames = int64(dec.PCMSize) / bytesPerFrame
	}

	src, err := newPCMFileSource(f, dec, format, int(dec.BitDepth), frames, filePath)
	if err != nil {
		return nil, err
	}
	// 8-bit WAV is unsigned, 8-bit AIFF is signed
	src.unsigned8 = true
	return src, nil
}

// NewAIFFSource creates a source for an AIFF file.
func NewAIFFSource(filePath string) (*PCMFileSource, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open AIFF file: %w", err)
	}

	dec := aiff.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%w: not a valid AIFF file: %s", ErrUnsupportedFormat, filePath)
	}
	dec.ReadInfo()

	return newPCMFileSource(f, dec, dec.Format(), int(dec.BitDepth), int64(dec.NumSampleFrames), filePath)
}

func newPCMFileSource(f *os.File, dec pcmReader, format *goaudio.Format, bitDepth int, frames int64, path string) (*PCMFileSource, error) {
	if format == nil || format.NumChannels <= 0 || format.SampleRate <= 0 {
		f.Close()
		return nil, fmt.Errorf("%w: missing format in %s", ErrUnsupportedFormat, path)
	}
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		f.Close()
		return nil, fmt.Errorf("%w: %d-bit PCM in %s", ErrUnsupportedFormat, bitDepth, path)
	}

	return &PCMFileSource{
		file:       f,
		dec:        dec,
		format:     format,
		sampleRate: format.SampleRate,
		channels:   format.NumChannels,
		bitDepth:   bitDepth,
		frames:     frames,
		title:      titleFromPath(path),
	}, nil
}

func (s *PCMFileSource) Read(samples []int32) (int, error) {
	want := (len(samples) / s.channels) * s.channels
	if want == 0 {
		return 0, nil
	}
	if s.intBuf == nil || cap(s.intBuf.Data) < want {
		s.intBuf = &goaudio.IntBuffer{
			Data:           make([]int, want),
			Format:         s.format,
			SourceBitDepth: s.bitDepth,
		}
	}
	s.intBuf.Data = s.intBuf.Data[:want]

	n, err := s.dec.PCMBuffer(s.intBuf)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("pcm decode error: %w", err)
	}
	n = (n / s.channels) * s.channels
	if n == 0 {
		return 0, io.EOF
	}

	for i := 0; i < n; i++ {
		v := s.intBuf.Data[i]
		if s.unsigned8 && s.bitDepth == 8 {
			v -= 128
		}
		samples[i] = audio.SampleFromBits(int32(v), s.bitDepth)
	}
	return n, nil
}

// Frames returns the data chunk length in frames.
func (s *PCMFileSource) Frames() int64 { return s.frames }

func (s *PCMFileSource) SampleRate() int { return s.sampleRate }
func (s *PCMFileSource) Channels() int   { return s.channels }
func (s *PCMFileSource) Metadata() (string, string, string) {
	return s.title, "", ""
}
func (s *PCMFileSource) Close() error {
	return s.file.Close()
}
