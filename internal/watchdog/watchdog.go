// ABOUTME: Periodic consistency checker for the playback pipeline
// ABOUTME: Detects stuck states and applies the same fix the event path would
package watchdog

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/playout/internal/events"
	"github.com/Resonate-Protocol/playout/internal/queue"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// ErrStrictIntervention stops a strict watchdog on its first intervention.
var ErrStrictIntervention = errors.New("watchdog intervention in strict mode")

// Kind names the condition behind an intervention.
type Kind string

const (
	KindCurrentWithoutBuffer Kind = "current_without_buffer"
	KindMixerIdle            Kind = "ready_buffer_mixer_idle"
	KindNextWithoutBuffer    Kind = "next_without_buffer"
	KindQueuedWithoutBuffer  Kind = "queued_without_buffer"
)

// EntryState is what the watchdog knows about one queue entry.
type EntryState struct {
	ID          uuid.UUID
	Priority    queue.Priority
	HasChain    bool
	Pending     bool
	BufferReady bool
	Started     bool
}

// Snapshot is the in-memory state examined in one cycle.
type Snapshot struct {
	Current    *EntryState
	Next       *EntryState
	Queued     []EntryState
	MixerIdle  bool
	IdleChains int
}

// Finding is one true predicate.
type Finding struct {
	Kind     Kind
	EntryID  uuid.UUID
	Priority queue.Priority
}

// Check evaluates the four predicates. It has no side effects.
func Check(s Snapshot) []Finding {
	var out []Finding
	unserved := func(e *EntryState) bool {
		return e != nil && !e.HasChain && !e.Pending
	}

	if c := s.Current; unserved(c) {
		out = append(out, Finding{Kind: KindCurrentWithoutBuffer, EntryID: c.ID, Priority: queue.PriorityImmediate})
	}
	if c := s.Current; c != nil && c.HasChain && c.BufferReady && s.MixerIdle && !c.Started {
		out = append(out, Finding{Kind: KindMixerIdle, EntryID: c.ID, Priority: queue.PriorityImmediate})
	}
	if n := s.Next; unserved(n) && s.Current != nil && !s.MixerIdle {
		out = append(out, Finding{Kind: KindNextWithoutBuffer, EntryID: n.ID, Priority: queue.PriorityNext})
	}
	if s.IdleChains > 0 {
		for i := range s.Queued {
			if q := &s.Queued[i]; unserved(q) {
				out = append(out, Finding{Kind: KindQueuedWithoutBuffer, EntryID: q.ID, Priority: queue.PriorityPrefetch})
			}
		}
	}
	return out
}

// Corrector holds the corrective primitives shared with the event path.
// Each reports whether it changed anything.
type Corrector interface {
	RequestDecode(id uuid.UUID, priority queue.Priority) (bool, error)
	StartMixer(id uuid.UUID) (bool, error)
}

// Target gives the watchdog a consistent view: fn runs with the snapshot
// and corrector while no event handler can interleave.
type Target interface {
	Inspect(fn func(Snapshot, Corrector) error) error
}

// Publisher receives intervention events.
type Publisher interface {
	Publish(events.Event)
}

// Intervention records one corrective action.
type Intervention struct {
	Kind    Kind
	EntryID uuid.UUID
	At      time.Time
	Count   uint64
}

// State is the process-wide intervention record. The count starts at zero
// and only increases.
type State struct {
	count atomic.Uint64
	last  atomic.Pointer[Intervention]
}

// Count returns the number of interventions so far.
func (s *State) Count() uint64 { return s.count.Load() }

// Last returns the most recent intervention.
func (s *State) Last() (Intervention, bool) {
	if p := s.last.Load(); p != nil {
		return *p, true
	}
	return Intervention{}, false
}

func (s *State) record(kind Kind, id uuid.UUID, at time.Time) Intervention {
	iv := Intervention{Kind: kind, EntryID: id, At: at, Count: s.count.Add(1)}
	s.last.Store(&iv)
	return iv
}

// Config configures a Watchdog.
type Config struct {
	// Interval is read every cycle so it can change at runtime.
	Interval  func() time.Duration
	Strict    bool
	Publisher Publisher
	Logger    *log.Logger
}

// Watchdog runs Check on a timer and corrects what it finds.
type Watchdog struct {
	target Target
	state  *State
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

// New creates a watchdog writing to state.
func New(target Target, state *State, cfg Config) *Watchdog {
	if cfg.Interval == nil {
		cfg.Interval = func() time.Duration { return 100 * time.Millisecond }
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Watchdog{target: target, state: state, cfg: cfg, logger: cfg.Logger, now: time.Now}
}

// State returns the intervention record.
func (w *Watchdog) State() *State { return w.state }

// Cycle runs one check. In strict mode it returns ErrStrictIntervention
// after correcting the first finding that needed action.
func (w *Watchdog) Cycle() error {
	return w.target.Inspect(func(s Snapshot, c Corrector) error {
		for _, f := range Check(s) {
			var acted bool
			var err error
			switch f.Kind {
			case KindMixerIdle:
				acted, err = c.StartMixer(f.EntryID)
			default:
				acted, err = c.RequestDecode(f.EntryID, f.Priority)
			}
			if err != nil {
				return err
			}
			if !acted {
				continue
			}

			iv := w.state.record(f.Kind, f.EntryID, w.now())
			w.logger.Warn("event system defect: watchdog intervened",
				"type", f.Kind, "entry", f.EntryID, "interventions", iv.Count)
			if w.cfg.Publisher != nil {
				w.cfg.Publisher.Publish(events.WatchdogIntervention{
					At:      iv.At,
					Kind:    string(iv.Kind),
					EntryID: iv.EntryID,
					Count:   iv.Count,
				})
			}
			if w.cfg.Strict {
				return ErrStrictIntervention
			}
		}
		return nil
	})
}

// Run cycles until ctx is done. The interval is re-read after every cycle.
func (w *Watchdog) Run(ctx context.Context) error {
	timer := time.NewTimer(w.cfg.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := w.Cycle(); err != nil {
				return err
			}
			timer.Reset(w.cfg.Interval())
		}
	}
}
