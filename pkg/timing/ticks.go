// ABOUTME: Sample-accurate tick arithmetic for passage timing
// ABOUTME: Converts between ticks, samples, milliseconds and durations with integer math
package timing

import (
	"errors"
	"fmt"
	"time"
)

// TickRate is the least common multiple of every supported sample rate, so
// one sample at any of them is a whole number of ticks.
const TickRate int64 = 28_224_000

// TicksPerMs is the number of ticks in one millisecond.
const TicksPerMs int64 = TickRate / 1000

const nanosPerSecond int64 = int64(time.Second)

// ErrUnsupportedRate is returned for sample rates that do not divide TickRate.
var ErrUnsupportedRate = errors.New("unsupported sample rate")

// SupportedRates lists the sample rates the tick base represents exactly.
var SupportedRates = []int{8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000, 176400, 192000}

// Ticks is a passage-relative position in units of 1/TickRate seconds.
type Ticks int64

// TicksPerSample returns how many ticks one sample lasts at rate.
func TicksPerSample(rate int) (int64, error) {
	if rate <= 0 || TickRate%int64(rate) != 0 {
		return 0, fmt.Errorf("%w: %d Hz", ErrUnsupportedRate, rate)
	}
	return TickRate / int64(rate), nil
}

// FromMillis converts milliseconds to ticks.
func FromMillis(ms int64) Ticks {
	return Ticks(ms * TicksPerMs)
}

// Millis converts to milliseconds, truncating toward zero.
func (t Ticks) Millis() int64 {
	return int64(t) / TicksPerMs
}

// FromSamples converts a sample (frame) count at rate to ticks.
func FromSamples(samples int64, rate int) (Ticks, error) {
	per, err := TicksPerSample(rate)
	if err != nil {
		return 0, err
	}
	return Ticks(samples * per), nil
}

// Samples converts to a whole number of samples at rate, truncating.
func (t Ticks) Samples(rate int) (int64, error) {
	per, err := TicksPerSample(rate)
	if err != nil {
		return 0, err
	}
	return int64(t) / per, nil
}

// Duration converts ticks to a wall-clock duration, rounding toward negative
// infinity. FromDuration rounds the other way, which makes the pair an exact
// round trip: one tick is longer than one nanosecond, so no two tick values
// share a floored duration.
func (t Ticks) Duration() time.Duration {
	if t < 0 {
		return -ceilTicksToNanos(-int64(t))
	}
	return time.Duration(floorTicksToNanos(int64(t)))
}

// FromDuration converts a duration to ticks, rounding toward positive infinity.
func FromDuration(d time.Duration) Ticks {
	if d < 0 {
		return -Ticks(floorNanosToTicks(-int64(d)))
	}
	return Ticks(ceilNanosToTicks(int64(d)))
}

// The whole-second part is split off first so the products stay in int64
// range for any passage length.

func floorTicksToNanos(t int64) int64 {
	sec, rem := t/TickRate, t%TickRate
	return sec*nanosPerSecond + rem*nanosPerSecond/TickRate
}

func ceilTicksToNanos(t int64) time.Duration {
	sec, rem := t/TickRate, t%TickRate
	return time.Duration(sec*nanosPerSecond + (rem*nanosPerSecond+TickRate-1)/TickRate)
}

func ceilNanosToTicks(ns int64) int64 {
	sec, rem := ns/nanosPerSecond, ns%nanosPerSecond
	return sec*TickRate + (rem*TickRate+nanosPerSecond-1)/nanosPerSecond
}

func floorNanosToTicks(ns int64) int64 {
	sec, rem := ns/nanosPerSecond, ns%nanosPerSecond
	return sec*TickRate + rem*TickRate/nanosPerSecond
}

func (t Ticks) String() string {
	return fmt.Sprintf("%dms(%dt)", t.Millis(), int64(t))
}
