// ABOUTME: Audio output interface definition
// ABOUTME: Common interface for audio playback backends
package output

import "io"

// Output represents an audio output device
type Output interface {
	// Open starts playback. The device pulls signed 16-bit little-endian
	// interleaved frames from src.
	Open(sampleRate, channels int, src io.Reader) error

	// Close releases output resources
	Close() error
}
