// ABOUTME: Mixer producing the output stream from decode chain buffers
// ABOUTME: Applies tick-accurate fades, crossfades and master volume
package mixer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/playout/internal/passages"
	"github.com/Resonate-Protocol/playout/internal/ringbuffer"
	"github.com/Resonate-Protocol/playout/pkg/audio"
	"github.com/Resonate-Protocol/playout/pkg/timing"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// State is the mixer state as seen by the control plane.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StatePlaying
	StateCrossfading
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StatePlaying:
		return "playing"
	case StateCrossfading:
		return "crossfading"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Track is a passage ready to be read from a ring buffer.
type Track struct {
	EntryID uuid.UUID
	Passage passages.Passage
	Buffer  *ringbuffer.Buffer
}

// NoticeKind distinguishes mixer notices.
type NoticeKind int

const (
	NoticeStarted NoticeKind = iota
	NoticeCompleted
)

// Notice reports a passage boundary observed on the audio thread.
type Notice struct {
	Kind    NoticeKind
	EntryID uuid.UUID
	Passage passages.Passage
	// Frames is the number of frames actually output. It is set on
	// completion only.
	Frames int64
	Played time.Duration
	// Completed is false when the passage was aborted before its end.
	Completed bool
	At        time.Time

	seq uint64
}

// Listener receives notices from Run.
type Listener interface {
	PassageStarted(n Notice)
	PassageCompleted(n Notice)
}

// track is the audio-thread view of a Track. Offsets are output frames
// relative to the passage start; -1 means the point does not exist.
type track struct {
	Track
	fadeIn       int64
	fadeOutStart int64
	fadeOutLen   int64
	end          int64
	inCurve      audio.Curve
	outCurve     audio.Curve

	pos     atomic.Int64
	begun   atomic.Bool
	aborted atomic.Bool
	// seekTo is a requested output frame, -1 when none.
	seekTo atomic.Int64

	// Boundary stamps, written by the audio thread before the flag they
	// belong to.
	startSeq  atomic.Uint64
	startedAt atomic.Int64
	done      atomic.Bool
	doneSeq   atomic.Uint64
	doneAt    atomic.Int64
	completed atomic.Bool

	// audio thread only
	fadeOutChecked bool
	finished       bool

	// control plane only
	startReported bool
	doneReported  bool
}

// Config configures a mixer.
type Config struct {
	SampleRate int
	// Volume is the master volume, 0 to 100.
	Volume int
	Logger *log.Logger
}

// Mixer reads ring buffers on the audio thread and is controlled from
// other goroutines. ReadFrames and Read never block and take no locks.
//
// Passage boundaries are recorded on the tracks themselves and collected
// by the control plane, so no notice is ever lost however far behind the
// listener falls.
type Mixer struct {
	rate   int
	logger *log.Logger

	cur         atomic.Pointer[track]
	next        atomic.Pointer[track]
	crossfading atomic.Bool
	starting    atomic.Bool
	paused      atomic.Bool
	resumeLen   atomic.Int64
	resumeCurve atomic.Int32
	volume      atomic.Uint64
	underruns   atomic.Int64
	seq         atomic.Uint64

	wake chan struct{}

	// control plane
	ctrl    sync.Mutex
	started map[uuid.UUID]bool
	offered map[uuid.UUID]*track
	// live holds tracks whose boundaries are not all collected yet.
	live []*track

	// audio thread
	playing   *track
	incoming  *track
	held      bool
	fadePos   int64
	fadeLen   int64
	fadeCurve audio.Curve
	scratchA  []int32
	scratchB  []int32
	frameBuf  []int32
}

var (
	// ErrNoBuffer is returned when a track has no ring buffer.
	ErrNoBuffer = errors.New("track has no buffer")
	// ErrNotPlaying is returned by Seek without a current passage.
	ErrNotPlaying = errors.New("no passage playing")
	// ErrSeekBackward is returned for a seek target at or before the
	// current position. Buffers cannot rewind.
	ErrSeekBackward = errors.New("seek backwards not supported")
	// ErrSeekDuringCrossfade is returned while two passages are mixed.
	ErrSeekDuringCrossfade = errors.New("cannot seek during a crossfade")
)

// New creates an idle mixer.
func New(cfg Config) (*Mixer, error) {
	if _, err := timing.TicksPerSample(cfg.SampleRate); err != nil {
		return nil, fmt.Errorf("mixer rate %d: %w", cfg.SampleRate, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	m := &Mixer{
		rate:    cfg.SampleRate,
		logger:  cfg.Logger,
		wake:    make(chan struct{}, 1),
		started: make(map[uuid.UUID]bool),
		offered: make(map[uuid.UUID]*track),
	}
	m.SetVolume(cfg.Volume)
	return m, nil
}

// SampleRate returns the output rate.
func (m *Mixer) SampleRate() int { return m.rate }

func (m *Mixer) frames(t timing.Ticks) int64 {
	n, _ := t.Samples(m.rate)
	return n
}

func (m *Mixer) newTrack(t Track) (*track, error) {
	if t.Buffer == nil {
		return nil, ErrNoBuffer
	}
	tm := t.Passage.Timing
	tr := &track{
		Track:        t,
		fadeIn:       m.frames(tm.FadeInLength()),
		fadeOutStart: -1,
		end:          -1,
		inCurve:      t.Passage.FadeInCurve,
		outCurve:     t.Passage.FadeOutCurve,
	}
	tr.seekTo.Store(-1)
	if !tm.OpenEnded() {
		tr.end = m.frames(tm.Length())
		if l := tm.FadeOutLength(); l > 0 {
			tr.fadeOutLen = m.frames(l)
			tr.fadeOutStart = tr.end - tr.fadeOutLen
		}
	}
	return tr, nil
}

// Start begins playing t if the mixer is idle and t has never been started.
// It reports whether playback began; every other case is a no-op.
func (m *Mixer) Start(t Track) (bool, error) {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	tr, err := m.newTrack(t)
	if err != nil {
		return false, err
	}
	if m.startedLocked(t.EntryID) || m.cur.Load() != nil {
		return false, nil
	}

	m.starting.Store(true)
	defer m.starting.Store(false)
	if !m.cur.CompareAndSwap(nil, tr) {
		return false, nil
	}
	if n := m.next.Load(); n != nil && n.EntryID == t.EntryID {
		m.next.CompareAndSwap(n, nil)
	}
	m.started[t.EntryID] = true
	m.live = append(m.live, tr)
	m.logger.Debug("mixer started", "entry", t.EntryID, "title", t.Passage.Title)
	return true, nil
}

// SetNext offers t for crossfading after the current passage. It replaces
// a previous offer unless a crossfade into that offer is under way.
func (m *Mixer) SetNext(t Track) error {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	if m.started[t.EntryID] {
		return nil
	}
	if c := m.cur.Load(); c != nil && c.EntryID == t.EntryID {
		return nil
	}
	old := m.next.Load()
	if old != nil && old.EntryID == t.EntryID && old.Buffer == t.Buffer {
		return nil
	}
	if old != nil && m.crossfading.Load() {
		return nil
	}
	tr, err := m.newTrack(t)
	if err != nil {
		return err
	}
	if !m.next.CompareAndSwap(old, tr) {
		return nil
	}
	if old != nil && old.EntryID != t.EntryID {
		delete(m.offered, old.EntryID)
	}
	if old != nil && !old.begun.Load() {
		m.unlist(old)
	}
	m.offered[t.EntryID] = tr
	m.live = append(m.live, tr)
	return nil
}

// unlist drops t from live. It expects ctrl held.
func (m *Mixer) unlist(t *track) {
	m.live = slices.DeleteFunc(m.live, func(l *track) bool { return l == t })
}

// Abort stops id wherever it is: the current passage ends at once (a
// crossfade partner takes over) and a pending next offer is withdrawn.
func (m *Mixer) Abort(id uuid.UUID) bool {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	acted := false
	if c := m.cur.Load(); c != nil && c.EntryID == id {
		c.aborted.Store(true)
		var successor *track
		if n := m.next.Load(); n != nil && m.crossfading.Load() {
			successor = n
		}
		if m.cur.CompareAndSwap(c, successor) {
			if successor != nil {
				m.next.CompareAndSwap(successor, nil)
			}
			acted = true
		}
	}
	if n := m.next.Load(); n != nil && n.EntryID == id {
		n.aborted.Store(true)
		if m.next.CompareAndSwap(n, nil) {
			acted = true
		}
	}
	if acted {
		m.logger.Debug("mixer aborted", "entry", id)
	}
	return acted
}

// HasStarted reports whether id has ever produced or been given playback.
func (m *Mixer) HasStarted(id uuid.UUID) bool {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()
	if m.startedLocked(id) {
		return true
	}
	if c := m.cur.Load(); c != nil && c.EntryID == id {
		return true
	}
	return false
}

// startedLocked covers entries started directly and offers the audio
// thread took over on its own. It expects ctrl held.
func (m *Mixer) startedLocked(id uuid.UUID) bool {
	if m.started[id] {
		return true
	}
	t := m.offered[id]
	return t != nil && t.begun.Load()
}

// Forget drops bookkeeping for an entry that has left the queue. Tracks
// that produced audio stay until their completion is collected.
func (m *Mixer) Forget(id uuid.UUID) {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()
	delete(m.started, id)
	delete(m.offered, id)
	m.live = slices.DeleteFunc(m.live, func(t *track) bool {
		return t.EntryID == id && !t.begun.Load() && !t.done.Load()
	})
}

// State returns the current mixer state. A paused mixer without a passage
// reports Idle so the next passage can still be started.
func (m *Mixer) State() State {
	if m.cur.Load() == nil {
		if m.starting.Load() {
			return StateStarting
		}
		return StateIdle
	}
	if m.paused.Load() {
		return StatePaused
	}
	if m.crossfading.Load() {
		return StateCrossfading
	}
	return StatePlaying
}

// Position is the published playback position.
type Position struct {
	State   State
	EntryID uuid.UUID
	Frames  int64
	Ticks   timing.Ticks
	Next    uuid.UUID
}

// Position returns the position of the current passage.
func (m *Mixer) Position() Position {
	p := Position{State: m.State()}
	if c := m.cur.Load(); c != nil {
		p.EntryID = c.EntryID
		p.Frames = c.pos.Load()
		p.Ticks, _ = timing.FromSamples(p.Frames, m.rate)
	}
	if n := m.next.Load(); n != nil {
		p.Next = n.EntryID
	}
	return p
}

// SetVolume sets the master volume, clamped to 0..100.
func (m *Mixer) SetVolume(v int) {
	v = min(max(v, 0), 100)
	m.volume.Store(math.Float64bits(float64(v) / 100))
}

// Volume returns the master volume, 0 to 100.
func (m *Mixer) Volume() int {
	return int(math.Round(math.Float64frombits(m.volume.Load()) * 100))
}

// Pause makes the output silent without advancing any position. It reports
// whether the mixer was playing before.
func (m *Mixer) Pause() bool {
	return !m.paused.Swap(true)
}

// Play resumes after Pause, fading the output in over fade with curve. It
// reports whether the mixer was paused.
func (m *Mixer) Play(fade timing.Ticks, curve audio.Curve) bool {
	m.resumeLen.Store(m.frames(fade))
	m.resumeCurve.Store(int32(curve))
	return m.paused.Swap(false)
}

// Paused reports whether Pause is in effect.
func (m *Mixer) Paused() bool { return m.paused.Load() }

// Seek moves the current passage forward to to, measured from the passage
// start. Buffered frames in between are discarded; if fewer are buffered the
// passage resumes from the end of what was. The move happens on the next
// output callback. Seek returns the entry it applies to.
func (m *Mixer) Seek(to timing.Ticks) (uuid.UUID, error) {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	c := m.cur.Load()
	if c == nil {
		return uuid.Nil, ErrNotPlaying
	}
	if m.crossfading.Load() {
		return uuid.Nil, ErrSeekDuringCrossfade
	}
	target := m.frames(to)
	if target <= c.pos.Load() {
		return uuid.Nil, ErrSeekBackward
	}
	if c.end >= 0 {
		target = min(target, c.end)
	}
	c.seekTo.Store(target)
	m.logger.Debug("seek requested", "entry", c.EntryID, "frame", target)
	return c.EntryID, nil
}

// Underruns returns frames of silence output while the current buffer was
// empty but still being decoded.
func (m *Mixer) Underruns() int64 { return m.underruns.Load() }

// signal wakes Run without blocking. A full channel already holds a wake
// that will see this boundary.
func (m *Mixer) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// markBegun records the first output of t. Audio thread only.
func (m *Mixer) markBegun(t *track) {
	t.startedAt.Store(time.Now().UnixNano())
	t.startSeq.Store(m.seq.Add(1))
	t.begun.Store(true)
	m.signal()
}

// markDone records the end of t. Audio thread only.
func (m *Mixer) markDone(t *track, completed bool) {
	t.finished = true
	t.completed.Store(completed)
	t.doneAt.Store(time.Now().UnixNano())
	t.doneSeq.Store(m.seq.Add(1))
	t.done.Store(true)
	m.signal()
}

func (m *Mixer) notice(kind NoticeKind, t *track) Notice {
	n := Notice{Kind: kind, EntryID: t.EntryID, Passage: t.Passage}
	if kind == NoticeStarted {
		n.At = time.Unix(0, t.startedAt.Load())
		n.seq = t.startSeq.Load()
		return n
	}
	// pos no longer moves once done is set.
	n.Frames = t.pos.Load()
	played, _ := timing.FromSamples(n.Frames, m.rate)
	n.Played = played.Duration()
	n.Completed = t.completed.Load()
	n.At = time.Unix(0, t.doneAt.Load())
	n.seq = t.doneSeq.Load()
	return n
}

// Collect returns every boundary recorded since the last call, oldest
// first. Each boundary is returned exactly once.
func (m *Mixer) Collect() []Notice {
	m.ctrl.Lock()
	var out []Notice
	kept := m.live[:0]
	for _, t := range m.live {
		if !t.startReported && t.begun.Load() {
			t.startReported = true
			out = append(out, m.notice(NoticeStarted, t))
		}
		if !t.doneReported && t.done.Load() {
			t.doneReported = true
			out = append(out, m.notice(NoticeCompleted, t))
		}
		if !t.doneReported {
			kept = append(kept, t)
		}
	}
	clear(m.live[len(kept):])
	m.live = kept
	m.ctrl.Unlock()

	slices.SortFunc(out, func(a, b Notice) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// Drain hands collected notices to l and returns how many there were.
func (m *Mixer) Drain(l Listener) int {
	notices := m.Collect()
	for _, n := range notices {
		switch n.Kind {
		case NoticeStarted:
			l.PassageStarted(n)
		case NoticeCompleted:
			l.PassageCompleted(n)
		}
	}
	return len(notices)
}

// Run delivers notices to l until ctx is done.
func (m *Mixer) Run(ctx context.Context, l Listener) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
			m.Drain(l)
		}
	}
}
