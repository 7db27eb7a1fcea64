// ABOUTME: Source interface and extension-based file opener
// ABOUTME: Probes file length and rate for passage construction
package decode

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned for file types no decoder handles.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Source provides PCM audio samples
type Source interface {
	// Read fills samples with interleaved PCM in 24-bit range and returns the
	// number of samples written, always a multiple of Channels. It returns
	// io.EOF once the file is exhausted.
	Read(samples []int32) (int, error)
	// SampleRate returns the sample rate of the file
	SampleRate() int
	// Channels returns the number of channels
	Channels() int
	// Metadata returns title, artist, album
	Metadata() (title, artist, album string)
	// Close closes the audio source
	Close() error
}

// framer is implemented by sources whose container records a frame count.
type framer interface {
	Frames() int64
}

// Opener opens a source by path. Decode chains take one so tests can
// substitute in-memory sources.
type Opener func(path string) (Source, error)

// Open creates a source for the file at path, chosen by extension.
func Open(path string) (Source, error) {
	if strings.HasPrefix(path, tonePrefix) {
		return NewToneSource(path)
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio file not found: %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		return NewMP3Source(path)
	case ".flac":
		return NewFLACSource(path)
	case ".wav", ".wave":
		return NewWAVSource(path)
	case ".aif", ".aiff":
		return NewAIFFSource(path)
	case ".ogg", ".oga":
		return NewVorbisSource(path)
	case ".opus":
		return NewOpusSource(path)
	default:
		return nil, fmt.Errorf("%w: %s (supported: .mp3, .flac, .wav, .aiff, .ogg, .opus)", ErrUnsupportedFormat, ext)
	}
}

// Info describes a file without keeping it open.
type Info struct {
	SampleRate int
	Channels   int
	Frames     int64
	Title      string
	Artist     string
	Album      string
}

// Probe reports the rate, channel count and length of the file at path.
// Containers that record their length answer directly; the rest are decoded
// to the end and counted.
func Probe(open Opener, path string) (Info, error) {
	src, err := open(path)
	if err != nil {
		return Info{}, err
	}
	defer src.Close()

	info := Info{SampleRate: src.SampleRate(), Channels: src.Channels()}
	info.Title, info.Artist, info.Album = src.Metadata()

	if f, ok := src.(framer); ok {
		if n := f.Frames(); n > 0 {
			info.Frames = n
			return info, nil
		}
	}

	buf := make([]int32, 4096*info.Channels)
	var samples int64
	for {
		n, err := src.Read(buf)
		samples += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return info, fmt.Errorf("probe %s: %w", path, err)
		}
		if n == 0 {
			break
		}
	}
	info.Frames = samples / int64(info.Channels)
	return info, nil
}

// titleFromPath uses the file name without extension as the title.
func titleFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
