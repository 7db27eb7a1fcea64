// ABOUTME: Player settings loaded from YAML with environment overrides
// ABOUTME: Clamps values to their ranges and hot-reloads the live tunables
package settings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Resonate-Protocol/playout/pkg/audio"
	"github.com/Resonate-Protocol/playout/pkg/timing"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. PLAYOUT_VOLUME.
const EnvPrefix = "PLAYOUT_"

// Settings holds every tunable. Only the watchdog interval and the minimum
// playback buffer are re-read while running.
type Settings struct {
	WatchdogIntervalMs      int    `yaml:"watchdog_interval_ms"`
	MinimumPlaybackBufferMs int    `yaml:"minimum_playback_buffer_ms"`
	MaximumDecodeStreams    int    `yaml:"maximum_decode_streams"`
	WorkingSampleRate       int    `yaml:"working_sample_rate"`
	PlayoutBufferMs         int    `yaml:"playout_buffer_ms"`
	HeadroomFrames          int    `yaml:"headroom_frames"`
	ResumeHysteresisFrames  int    `yaml:"resume_hysteresis_frames"`
	CrossfadeMs             int    `yaml:"crossfade_ms"`
	FadeInCurve             string `yaml:"fade_in_curve"`
	FadeOutCurve            string `yaml:"fade_out_curve"`
	ResumeFadeInMs          int    `yaml:"resume_fade_in_ms"`
	ResumeFadeInCurve       string `yaml:"resume_fade_in_curve"`
	Volume                  int    `yaml:"volume"`
}

type intRange struct {
	min, max int
}

var (
	watchdogRange  = intRange{10, 2000}
	minBufferRange = intRange{100, 12000}
	streamsRange   = intRange{2, 32}
	playoutRange   = intRange{1000, 60000}
	crossfadeRange = intRange{0, 30000}
	resumeRange    = intRange{0, 5000}
	volumeRange    = intRange{0, 100}
)

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		WatchdogIntervalMs:      100,
		MinimumPlaybackBufferMs: 3000,
		MaximumDecodeStreams:    12,
		WorkingSampleRate:       44100,
		PlayoutBufferMs:         15000,
		HeadroomFrames:          4410,
		ResumeHysteresisFrames:  44100,
		CrossfadeMs:             5000,
		FadeInCurve:             audio.CurveEqualPower.String(),
		FadeOutCurve:            audio.CurveEqualPower.String(),
		ResumeFadeInMs:          500,
		ResumeFadeInCurve:       audio.CurveExponential.String(),
		Volume:                  100,
	}
}

// Adjustment records one value moved into range.
type Adjustment struct {
	Key  string
	From any
	To   any
}

func clampInt(key string, v *int, r intRange, adj *[]Adjustment) {
	c := min(max(*v, r.min), r.max)
	if c != *v {
		*adj = append(*adj, Adjustment{Key: key, From: *v, To: c})
		*v = c
	}
}

// Clamp returns s with every value forced into its valid range, plus the
// list of changes made.
func (s Settings) Clamp() (Settings, []Adjustment) {
	var adj []Adjustment
	d := Defaults()

	clampInt("watchdog_interval_ms", &s.WatchdogIntervalMs, watchdogRange, &adj)
	clampInt("minimum_playback_buffer_ms", &s.MinimumPlaybackBufferMs, minBufferRange, &adj)
	clampInt("maximum_decode_streams", &s.MaximumDecodeStreams, streamsRange, &adj)
	clampInt("playout_buffer_ms", &s.PlayoutBufferMs, playoutRange, &adj)
	clampInt("crossfade_ms", &s.CrossfadeMs, crossfadeRange, &adj)
	clampInt("resume_fade_in_ms", &s.ResumeFadeInMs, resumeRange, &adj)
	clampInt("volume", &s.Volume, volumeRange, &adj)

	if !slices.Contains(timing.SupportedRates, s.WorkingSampleRate) {
		adj = append(adj, Adjustment{Key: "working_sample_rate", From: s.WorkingSampleRate, To: d.WorkingSampleRate})
		s.WorkingSampleRate = d.WorkingSampleRate
	}

	capacity := s.PlayoutBufferFrames()
	clampInt("headroom_frames", &s.HeadroomFrames, intRange{0, capacity / 4}, &adj)
	clampInt("resume_hysteresis_frames", &s.ResumeHysteresisFrames, intRange{1, capacity - s.HeadroomFrames}, &adj)

	// The threshold has to be reachable before the decoder pauses.
	fillable := int(int64(capacity-s.HeadroomFrames) * 1000 / int64(s.WorkingSampleRate))
	clampInt("minimum_playback_buffer_ms", &s.MinimumPlaybackBufferMs, intRange{minBufferRange.min, fillable}, &adj)

	for _, c := range []struct {
		key string
		v   *string
		def string
	}{
		{"fade_in_curve", &s.FadeInCurve, d.FadeInCurve},
		{"fade_out_curve", &s.FadeOutCurve, d.FadeOutCurve},
		{"resume_fade_in_curve", &s.ResumeFadeInCurve, d.ResumeFadeInCurve},
	} {
		if _, err := audio.ParseCurve(*c.v); err != nil {
			adj = append(adj, Adjustment{Key: c.key, From: *c.v, To: c.def})
			*c.v = c.def
		}
	}
	return s, adj
}

// WatchdogInterval returns the watchdog period.
func (s Settings) WatchdogInterval() time.Duration {
	return time.Duration(s.WatchdogIntervalMs) * time.Millisecond
}

// MinimumPlaybackBuffer returns the buffered duration that makes a chain Ready.
func (s Settings) MinimumPlaybackBuffer() time.Duration {
	return time.Duration(s.MinimumPlaybackBufferMs) * time.Millisecond
}

// PlayoutBufferFrames returns the ring buffer capacity in frames.
func (s Settings) PlayoutBufferFrames() int {
	return int(int64(s.PlayoutBufferMs) * int64(s.WorkingSampleRate) / 1000)
}

// Crossfade returns the default crossfade length.
func (s Settings) Crossfade() timing.Ticks {
	return timing.FromMillis(int64(s.CrossfadeMs))
}

// Curves returns the parsed default fade curves.
func (s Settings) Curves() (in, out audio.Curve) {
	in, _ = audio.ParseCurve(s.FadeInCurve)
	out, _ = audio.ParseCurve(s.FadeOutCurve)
	return in, out
}

// ResumeFadeIn returns the fade applied when playback resumes after a pause.
func (s Settings) ResumeFadeIn() (timing.Ticks, audio.Curve) {
	c, _ := audio.ParseCurve(s.ResumeFadeInCurve)
	return timing.FromMillis(int64(s.ResumeFadeInMs)), c
}

// Gain returns the master volume as a linear factor.
func (s Settings) Gain() float64 {
	return float64(s.Volume) / 100
}

// applyEnv overrides fields from PLAYOUT_* variables.
func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"WATCHDOG_INTERVAL_MS":       &s.WatchdogIntervalMs,
		"MINIMUM_PLAYBACK_BUFFER_MS": &s.MinimumPlaybackBufferMs,
		"MAXIMUM_DECODE_STREAMS":     &s.MaximumDecodeStreams,
		"WORKING_SAMPLE_RATE":        &s.WorkingSampleRate,
		"PLAYOUT_BUFFER_MS":          &s.PlayoutBufferMs,
		"HEADROOM_FRAMES":            &s.HeadroomFrames,
		"RESUME_HYSTERESIS_FRAMES":   &s.ResumeHysteresisFrames,
		"CROSSFADE_MS":               &s.CrossfadeMs,
		"RESUME_FADE_IN_MS":          &s.ResumeFadeInMs,
		"VOLUME":                     &s.Volume,
	}
	for name, field := range ints {
		raw, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*field = v
	}
	if v, ok := lookup(EnvPrefix + "FADE_IN_CURVE"); ok {
		s.FadeInCurve = v
	}
	if v, ok := lookup(EnvPrefix + "FADE_OUT_CURVE"); ok {
		s.FadeOutCurve = v
	}
	if v, ok := lookup(EnvPrefix + "RESUME_FADE_IN_CURVE"); ok {
		s.ResumeFadeInCurve = v
	}
	return nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Settings, error) {
	s := Defaults()
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings: %w", err)
	}
	return s, nil
}

// Store serves the current settings to running components.
type Store struct {
	mu      sync.RWMutex
	current Settings
	path    string
	modTime time.Time
	env     func(string) (string, bool)
	logger  *log.Logger
}

// Load reads path (which may be empty for defaults only), applies the
// environment and clamps the result.
func Load(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	st := &Store{path: path, env: os.LookupEnv, logger: logger}
	s, modTime, err := st.read()
	if err != nil {
		return nil, err
	}
	st.current = s
	st.modTime = modTime
	return st, nil
}

// Static returns a store that never reloads.
func Static(s Settings) *Store {
	s, _ = s.Clamp()
	return &Store{current: s, logger: log.Default()}
}

func (st *Store) read() (Settings, time.Time, error) {
	s := Defaults()
	var modTime time.Time
	if st.path != "" {
		data, err := os.ReadFile(st.path)
		if err != nil {
			return Settings{}, modTime, fmt.Errorf("failed to read settings: %w", err)
		}
		if s, err = Parse(data); err != nil {
			return Settings{}, modTime, err
		}
		if info, err := os.Stat(st.path); err == nil {
			modTime = info.ModTime()
		}
	}
	if st.env != nil {
		if err := s.applyEnv(st.env); err != nil {
			return Settings{}, modTime, err
		}
	}
	s, adj := s.Clamp()
	for _, a := range adj {
		st.logger.Warn("setting out of range", "key", a.Key, "value", a.From, "using", a.To)
	}
	return s, modTime, nil
}

// Get returns a copy of the current settings.
func (st *Store) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// WatchdogInterval returns the live watchdog period.
func (st *Store) WatchdogInterval() time.Duration { return st.Get().WatchdogInterval() }

// MinimumPlaybackBuffer returns the live minimum playback buffer.
func (st *Store) MinimumPlaybackBuffer() time.Duration { return st.Get().MinimumPlaybackBuffer() }

// SetHot updates the two live tunables, clamping them.
func (st *Store) SetHot(watchdogMs, minBufferMs int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.current
	s.WatchdogIntervalMs = watchdogMs
	s.MinimumPlaybackBufferMs = minBufferMs
	st.current, _ = s.Clamp()
}

// Reload re-reads the file if it changed and applies the live tunables.
// It reports whether anything changed.
func (st *Store) Reload() (bool, error) {
	if st.path == "" {
		return false, nil
	}
	info, err := os.Stat(st.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat settings: %w", err)
	}
	st.mu.RLock()
	unchanged := info.ModTime().Equal(st.modTime)
	st.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	fresh, modTime, err := st.read()
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.modTime = modTime
	old := st.current
	st.current.WatchdogIntervalMs = fresh.WatchdogIntervalMs
	st.current.MinimumPlaybackBufferMs = fresh.MinimumPlaybackBufferMs
	if old == st.current {
		return false, nil
	}
	st.logger.Info("settings reloaded",
		"watchdog_interval_ms", st.current.WatchdogIntervalMs,
		"minimum_playback_buffer_ms", st.current.MinimumPlaybackBufferMs)
	return true, nil
}

// Watch polls the settings file every period until ctx ends. Read errors
// are logged and the previous values stay in effect.
func (st *Store) Watch(ctx context.Context, period time.Duration) error {
	if st.path == "" {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := st.Reload(); err != nil && !errors.Is(err, context.Canceled) {
				st.logger.Warn("settings reload failed", "err", err)
			}
		}
	}
}
