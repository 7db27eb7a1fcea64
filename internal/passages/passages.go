// ABOUTME: Passage definitions and lookup services
// ABOUTME: YAML-backed catalog, ad-hoc file passages and grouping metadata
package passages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Resonate-Protocol/playout/pkg/audio"
	"github.com/Resonate-Protocol/playout/pkg/audio/decode"
	"github.com/Resonate-Protocol/playout/pkg/timing"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrPassageNotFound is returned by lookups for unknown ids.
var ErrPassageNotFound = errors.New("passage not found")

// Passage is a playable span of an audio file.
type Passage struct {
	ID           uuid.UUID
	File         string
	Timing       timing.PassageTiming
	FadeInCurve  audio.Curve
	FadeOutCurve audio.Curve
	Title        string
	Artist       string
	Album        string
	// Groups holds the album ids the passage belongs to.
	Groups []uuid.UUID
}

// Lookup resolves passage ids to passages.
type Lookup interface {
	Passage(ctx context.Context, id uuid.UUID) (Passage, error)
}

// GroupingLookup resolves the grouping metadata of a passage.
type GroupingLookup interface {
	Grouping(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}

// Catalog is an in-memory passage store. It is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	passages map[uuid.UUID]Passage
	order    []uuid.UUID
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{passages: make(map[uuid.UUID]Passage)}
}

// Add validates and stores p, replacing any passage with the same id.
func (c *Catalog) Add(p Passage) error {
	p.Timing = p.Timing.Normalize()
	if err := p.Timing.Validate(); err != nil {
		return fmt.Errorf("passage %s: %w", p.ID, err)
	}
	if p.File == "" {
		return fmt.Errorf("passage %s: missing file", p.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.passages[p.ID]; !exists {
		c.order = append(c.order, p.ID)
	}
	c.passages[p.ID] = p
	return nil
}

// Passage implements Lookup.
func (c *Catalog) Passage(_ context.Context, id uuid.UUID) (Passage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.passages[id]
	if !ok {
		return Passage{}, fmt.Errorf("%w: %s", ErrPassageNotFound, id)
	}
	return p, nil
}

// Grouping implements GroupingLookup.
func (c *Catalog) Grouping(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	p, err := c.Passage(ctx, id)
	if err != nil {
		return nil, err
	}
	return append([]uuid.UUID(nil), p.Groups...), nil
}

// IDs returns passage ids in insertion order.
func (c *Catalog) IDs() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]uuid.UUID(nil), c.order...)
}

// Len returns the number of passages.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.passages)
}

// catalogFile is the on-disk YAML layout. Points are milliseconds from the
// start of the file; zero leaves a point at its neutral value.
type catalogFile struct {
	Passages []struct {
		ID             string   `yaml:"id"`
		File           string   `yaml:"file"`
		Title          string   `yaml:"title"`
		Artist         string   `yaml:"artist"`
		Album          string   `yaml:"album"`
		Albums         []string `yaml:"albums"`
		StartMs        int64    `yaml:"start_ms"`
		EndMs          int64    `yaml:"end_ms"`
		LeadInEndMs    int64    `yaml:"lead_in_end_ms"`
		LeadOutStartMs int64    `yaml:"lead_out_start_ms"`
		FadeInMs       int64    `yaml:"fade_in_complete_ms"`
		FadeOutMs      int64    `yaml:"fade_out_start_ms"`
		FadeInCurve    string   `yaml:"fade_in_curve"`
		FadeOutCurve   string   `yaml:"fade_out_curve"`
	} `yaml:"passages"`
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := NewCatalog()
	for i, raw := range f.Passages {
		id, err := uuid.Parse(raw.ID)
		if err != nil {
			return nil, fmt.Errorf("passage %d: invalid id %q: %w", i, raw.ID, err)
		}
		p := Passage{
			ID:     id,
			File:   raw.File,
			Title:  raw.Title,
			Artist: raw.Artist,
			Album:  raw.Album,
			Timing: timing.PassageTiming{
				Start:          timing.FromMillis(raw.StartMs),
				End:            timing.FromMillis(raw.EndMs),
				LeadInEnd:      timing.FromMillis(raw.LeadInEndMs),
				LeadOutStart:   timing.FromMillis(raw.LeadOutStartMs),
				FadeInComplete: timing.FromMillis(raw.FadeInMs),
				FadeOutStart:   timing.FromMillis(raw.FadeOutMs),
			},
			FadeInCurve:  audio.CurveLinear,
			FadeOutCurve: audio.CurveLinear,
		}
		if raw.FadeInCurve != "" {
			if p.FadeInCurve, err = audio.ParseCurve(raw.FadeInCurve); err != nil {
				return nil, fmt.Errorf("passage %s: %w", id, err)
			}
		}
		if raw.FadeOutCurve != "" {
			if p.FadeOutCurve, err = audio.ParseCurve(raw.FadeOutCurve); err != nil {
				return nil, fmt.Errorf("passage %s: %w", id, err)
			}
		}
		for _, a := range raw.Albums {
			g, err := uuid.Parse(a)
			if err != nil {
				return nil, fmt.Errorf("passage %s: invalid album id %q: %w", id, a, err)
			}
			p.Groups = append(p.Groups, g)
		}
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FileOptions shapes passages built directly from files.
type FileOptions struct {
	Crossfade    timing.Ticks
	FadeInCurve  audio.Curve
	FadeOutCurve audio.Curve
}

// FilePassage builds a whole-file passage, probing the file for its length
// so the end point and crossfade window are known before decoding starts.
func FilePassage(open decode.Opener, path string, opts FileOptions) (Passage, error) {
	info, err := decode.Probe(open, path)
	if err != nil {
		return Passage{}, fmt.Errorf("probe %s: %w", path, err)
	}
	if info.Frames <= 0 {
		return Passage{}, fmt.Errorf("probe %s: empty file", path)
	}
	end, err := timing.FromSamples(info.Frames, info.SampleRate)
	if err != nil {
		return Passage{}, fmt.Errorf("probe %s: %w", path, err)
	}

	return Passage{
		ID:           uuid.New(),
		File:         path,
		Timing:       timing.WithCrossfade(0, end, opts.Crossfade),
		FadeInCurve:  opts.FadeInCurve,
		FadeOutCurve: opts.FadeOutCurve,
		Title:        info.Title,
		Artist:       info.Artist,
		Album:        info.Album,
	}, nil
}
