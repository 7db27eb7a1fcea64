// ABOUTME: Audio output package for playing audio
// ABOUTME: Provides Output interface with oto and clocked null backends
// Package output binds a pull-based PCM reader to a playback backend.
//
// The backend owns the real-time context: it calls Read on the supplied
// io.Reader whenever the device needs samples. Readers must therefore never
// block.
//
// Example:
//
//	out := output.NewOto()
//	err := out.Open(44100, 2, mixer)
package output
