// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format, sample conversions and fade curves
// Package audio provides the sample representation shared by the decoders,
// ring buffers and mixer.
//
// Samples are int32 values left-justified in the 24-bit range regardless of
// the source bit depth. Frames are interleaved; the engine works in stereo.
//
//	s := audio.SampleFromInt16(v)        // 16-bit source
//	s = audio.SampleFromBits(v, 20)      // arbitrary bit depth
//	g := audio.CurveEqualPower.FadeOut(0.25)
package audio
