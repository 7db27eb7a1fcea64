// ABOUTME: Streaming linear resampler with integer phase accumulation
// ABOUTME: Also maps arbitrary channel layouts onto stereo
package resample

// Resampler performs linear interpolation to convert between sample rates
type Resampler struct {
	inputRate  int64
	outputRate int64
	channels   int

	// phase is the position of the next output frame measured from prev,
	// in units of 1/outputRate input frames.
	phase    int64
	prev     []int32
	havePrev bool
}

// New creates a new resampler
func New(inputRate, outputRate, channels int) *Resampler {
	return &Resampler{
		inputRate:  int64(inputRate),
		outputRate: int64(outputRate),
		channels:   channels,
		prev:       make([]int32, channels),
	}
}

// Passthrough reports whether the rates are equal.
func (r *Resampler) Passthrough() bool {
	return r.inputRate == r.outputRate
}

// MaxOutputSamples bounds the output of one Resample call for inputSamples.
func (r *Resampler) MaxOutputSamples(inputSamples int) int {
	frames := int64(inputSamples/r.channels) + 1
	return int((frames*r.outputRate/r.inputRate)+2) * r.channels
}

// Resample converts input samples to output sample rate using linear
// interpolation and returns the number of samples written. output must hold
// at least MaxOutputSamples(len(input)).
func (r *Resampler) Resample(input []int32, output []int32) int {
	ch := r.channels
	if r.Passthrough() {
		return copy(output, input[:(len(input)/ch)*ch])
	}

	frames := len(input) / ch
	if frames == 0 {
		return 0
	}
	if !r.havePrev {
		copy(r.prev, input[:ch])
		r.havePrev = true
		input = input[ch:]
		frames--
	}

	// sample returns frame idx of the sequence prev, input[0], input[1], ...
	sample := func(idx int64, c int) int64 {
		if idx == 0 {
			return int64(r.prev[c])
		}
		return int64(input[(idx-1)*int64(ch)+int64(c)])
	}

	outFrames := len(output) / ch
	written := 0
	for written < outFrames {
		idx := r.phase / r.outputRate
		if idx+1 > int64(frames) {
			break
		}
		frac := r.phase % r.outputRate
		for c := 0; c < ch; c++ {
			a := sample(idx, c)
			b := sample(idx+1, c)
			output[written*ch+c] = int32(a + (b-a)*frac/r.outputRate)
		}
		written++
		r.phase += r.inputRate
	}

	if frames > 0 {
		copy(r.prev, input[(frames-1)*ch:frames*ch])
		r.phase -= int64(frames) * r.outputRate
	}
	return written * ch
}

// Flush emits the output frames still owed for the final input frame,
// holding its value, and returns the number of samples written.
func (r *Resampler) Flush(output []int32) int {
	if !r.havePrev || r.Passthrough() {
		return 0
	}
	ch := r.channels
	written := 0
	for r.phase < r.outputRate && (written+1)*ch <= len(output) {
		copy(output[written*ch:(written+1)*ch], r.prev)
		written++
		r.phase += r.inputRate
	}
	return written * ch
}

// Reset resets the resampler state
func (r *Resampler) Reset() {
	r.phase = 0
	r.havePrev = false
	for i := range r.prev {
		r.prev[i] = 0
	}
}

// ToStereo maps interleaved frames with the given channel count onto stereo
// in dst and returns the number of samples written. Mono is duplicated;
// layouts wider than stereo keep their first two channels.
func ToStereo(src []int32, channels int, dst []int32) int {
	if channels <= 0 {
		return 0
	}
	frames := len(src) / channels
	if max := len(dst) / 2; frames > max {
		frames = max
	}
	switch channels {
	case 1:
		for i := 0; i < frames; i++ {
			dst[i*2] = src[i]
			dst[i*2+1] = src[i]
		}
	case 2:
		copy(dst[:frames*2], src[:frames*2])
	default:
		for i := 0; i < frames; i++ {
			dst[i*2] = src[i*channels]
			dst[i*2+1] = src[i*channels+1]
		}
	}
	return frames * 2
}
