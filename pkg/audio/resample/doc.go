// ABOUTME: Audio resampling package using linear interpolation
// ABOUTME: Converts streamed audio between sample rates without drift
// Package resample provides streaming sample rate conversion.
//
// The resampler carries its phase and the last input frame across calls, so
// a file decoded in arbitrary chunk sizes produces the same output as one
// decoded in a single call. Phase is tracked as an exact integer fraction of
// the two rates.
//
// Example:
//
//	r := resample.New(48000, 44100, 2)
//	out := make([]int32, r.MaxOutputSamples(len(in)))
//	n := r.Resample(in, out)
package resample
