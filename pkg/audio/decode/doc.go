// ABOUTME: Audio file sources for the decode chains
// ABOUTME: Opens MP3, FLAC, WAV, AIFF, Ogg Vorbis, Ogg Opus files and synthetic tones
// Package decode turns audio files into interleaved int32 samples in the
// 24-bit range.
//
// Supported: .mp3, .flac, .wav, .aif/.aiff, .ogg, .opus, and tone:<hz>:<ms>
// pseudo-paths for synthetic test passages.
//
// Every source reports the sample rate of the file itself. Conversion to the
// output rate happens downstream.
//
// Example:
//
//	src, err := decode.Open("track.flac")
//	n, err := src.Read(samples)
package decode
