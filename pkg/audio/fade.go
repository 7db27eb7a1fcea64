// ABOUTME: Fade curves for passage fade-in, fade-out and crossfades
// ABOUTME: Each curve maps progress in [0,1] to a gain in [0,1]
package audio

import (
	"fmt"
	"math"
	"strings"
)

// Curve selects the gain shape applied across a fade window.
type Curve int

const (
	CurveLinear Curve = iota
	CurveExponential
	CurveLogarithmic
	CurveSCurve
	CurveEqualPower
)

var curveNames = map[Curve]string{
	CurveLinear:      "linear",
	CurveExponential: "exponential",
	CurveLogarithmic: "logarithmic",
	CurveSCurve:      "s_curve",
	CurveEqualPower:  "equal_power",
}

func (c Curve) String() string {
	if n, ok := curveNames[c]; ok {
		return n
	}
	return fmt.Sprintf("curve(%d)", int(c))
}

// ParseCurve accepts the names produced by String, case-insensitively.
// "scurve" and "s-curve" are accepted as spellings of s_curve.
func ParseCurve(s string) (Curve, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if key == "scurve" {
		key = "s_curve"
	}
	for c, n := range curveNames {
		if n == key {
			return c, nil
		}
	}
	return CurveLinear, fmt.Errorf("unknown fade curve %q", s)
}

// Complement returns the curve that pairs with c on the other side of a
// crossfade. Exponential and logarithmic pair with each other.
func (c Curve) Complement() Curve {
	switch c {
	case CurveExponential:
		return CurveLogarithmic
	case CurveLogarithmic:
		return CurveExponential
	default:
		return c
	}
}

func clampUnit(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// FadeIn returns the gain at progress t of a fade-in (0 silent, 1 full).
func (c Curve) FadeIn(t float64) float64 {
	t = clampUnit(t)
	switch c {
	case CurveExponential:
		return t * t
	case CurveLogarithmic:
		return math.Sqrt(t)
	case CurveSCurve:
		return 0.5 * (1 - math.Cos(math.Pi*t))
	case CurveEqualPower:
		return math.Sin(t * math.Pi / 2)
	default:
		return t
	}
}

// FadeOut returns the gain at progress t of a fade-out (1 full, 0 silent).
func (c Curve) FadeOut(t float64) float64 {
	t = clampUnit(t)
	switch c {
	case CurveExponential, CurveLogarithmic:
		return (1 - t) * (1 - t)
	case CurveSCurve:
		return 0.5 * (1 + math.Cos(math.Pi*t))
	case CurveEqualPower:
		return math.Cos(t * math.Pi / 2)
	default:
		return 1 - t
	}
}
