// ABOUTME: Passage timing points expressed in ticks
// ABOUTME: Validates ordering of start, fade, lead and end points
package timing

import (
	"errors"
	"fmt"
)

// ErrInvalidTiming is returned when passage points are out of order.
var ErrInvalidTiming = errors.New("invalid passage timing")

// PassageTiming holds every transition point of a passage. All points are
// absolute positions within the source file. End == 0 means the passage
// runs to the end of the file and has no fade-out or lead-out.
type PassageTiming struct {
	Start          Ticks `json:"start_ticks" yaml:"start_ticks"`
	End            Ticks `json:"end_ticks" yaml:"end_ticks"`
	LeadInEnd      Ticks `json:"lead_in_end_ticks" yaml:"lead_in_end_ticks"`
	LeadOutStart   Ticks `json:"lead_out_start_ticks" yaml:"lead_out_start_ticks"`
	FadeInComplete Ticks `json:"fade_in_complete_ticks" yaml:"fade_in_complete_ticks"`
	FadeOutStart   Ticks `json:"fade_out_start_ticks" yaml:"fade_out_start_ticks"`
}

// OpenEnded reports whether the end point is discovered during decode.
func (p PassageTiming) OpenEnded() bool {
	return p.End == 0
}

// Length returns End-Start, or zero for open-ended passages.
func (p PassageTiming) Length() Ticks {
	if p.OpenEnded() {
		return 0
	}
	return p.End - p.Start
}

// FadeOutLength is the crossfade window at the end of the passage.
func (p PassageTiming) FadeOutLength() Ticks {
	if p.OpenEnded() || p.FadeOutStart == 0 {
		return 0
	}
	return p.End - p.FadeOutStart
}

// FadeInLength is the fade window at the start of the passage.
func (p PassageTiming) FadeInLength() Ticks {
	if p.FadeInComplete <= p.Start {
		return 0
	}
	return p.FadeInComplete - p.Start
}

// Normalize fills unset lead and fade points with their neutral values:
// no fade-in, no lead-in, and for bounded passages no fade-out or lead-out.
func (p PassageTiming) Normalize() PassageTiming {
	if p.FadeInComplete == 0 {
		p.FadeInComplete = p.Start
	}
	if p.LeadInEnd == 0 {
		p.LeadInEnd = p.Start
	}
	if !p.OpenEnded() {
		if p.FadeOutStart == 0 {
			p.FadeOutStart = p.End
		}
		if p.LeadOutStart == 0 {
			p.LeadOutStart = p.End
		}
	}
	return p
}

// Validate checks start <= lead-in-end, start <= fade-in-complete, and for
// bounded passages that every point lies inside [start, end] with the
// fade-out and lead-out after the fade-in.
func (p PassageTiming) Validate() error {
	if p.Start < 0 {
		return fmt.Errorf("%w: negative start %s", ErrInvalidTiming, p.Start)
	}
	if p.LeadInEnd < p.Start || p.FadeInComplete < p.Start {
		return fmt.Errorf("%w: lead-in/fade-in before start", ErrInvalidTiming)
	}
	if p.OpenEnded() {
		return nil
	}
	if p.End <= p.Start {
		return fmt.Errorf("%w: end %s not after start %s", ErrInvalidTiming, p.End, p.Start)
	}
	for name, v := range map[string]Ticks{
		"lead-in-end":      p.LeadInEnd,
		"lead-out-start":   p.LeadOutStart,
		"fade-in-complete": p.FadeInComplete,
		"fade-out-start":   p.FadeOutStart,
	} {
		if v > p.End {
			return fmt.Errorf("%w: %s %s after end %s", ErrInvalidTiming, name, v, p.End)
		}
	}
	if p.FadeOutStart < p.FadeInComplete {
		return fmt.Errorf("%w: fade-out starts before fade-in completes", ErrInvalidTiming)
	}
	if p.LeadOutStart < p.LeadInEnd {
		return fmt.Errorf("%w: lead-out starts before lead-in ends", ErrInvalidTiming)
	}
	return nil
}

// WithCrossfade builds a bounded timing for [start, end) whose fade-in and
// fade-out windows are both fade long, clipped to half the passage.
func WithCrossfade(start, end, fade Ticks) PassageTiming {
	if half := (end - start) / 2; fade > half {
		fade = half
	}
	if fade < 0 {
		fade = 0
	}
	return PassageTiming{
		Start:          start,
		End:            end,
		LeadInEnd:      start + fade,
		FadeInComplete: start + fade,
		LeadOutStart:   end - fade,
		FadeOutStart:   end - fade,
	}
}
