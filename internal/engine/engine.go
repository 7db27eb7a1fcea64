// ABOUTME: Playback orchestration: queue, decode chains, mixer and watchdog
// ABOUTME: Event handlers and the watchdog share one set of corrective actions
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Resonate-Protocol/playout/internal/chain"
	"github.com/Resonate-Protocol/playout/internal/events"
	"github.com/Resonate-Protocol/playout/internal/mixer"
	"github.com/Resonate-Protocol/playout/internal/passages"
	"github.com/Resonate-Protocol/playout/internal/queue"
	"github.com/Resonate-Protocol/playout/internal/settings"
	"github.com/Resonate-Protocol/playout/internal/watchdog"
	"github.com/Resonate-Protocol/playout/pkg/audio/decode"
	"github.com/Resonate-Protocol/playout/pkg/timing"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config wires an engine to its collaborators.
type Config struct {
	Settings *settings.Store
	// Open opens passage files. Defaults to decode.Open.
	Open decode.Opener
	// Passages resolves ids for EnqueuePassage. Optional.
	Passages passages.Lookup
	// Grouping supplies album ids for passages that carry none. Optional.
	Grouping passages.GroupingLookup
	// Bus receives every playback event. One is created if nil.
	Bus    *events.Bus
	Strict bool
	Logger *log.Logger
}

// Engine owns the playback pipeline. All state changes on the event path
// and every watchdog inspection run under opMu.
type Engine struct {
	opMu sync.Mutex

	queue    *queue.Queue
	pool     *chain.Pool
	mixer    *mixer.Mixer
	bus      *events.Bus
	watchdog *watchdog.Watchdog
	wdState  *watchdog.State
	settings *settings.Store
	lookup   passages.Lookup
	grouping passages.GroupingLookup
	strict   bool
	logger   *log.Logger

	failures failureLog
}

// recentFailures bounds the failures kept for diagnostics.
const recentFailures = 16

// failureLog counts decode failures and keeps the latest few.
type failureLog struct {
	total  int
	recent []failureRecord
}

type failureRecord struct {
	chain.Failure
	At time.Time
}

func (l *failureLog) add(f chain.Failure, at time.Time) {
	l.total++
	if len(l.recent) == recentFailures {
		l.recent = append(l.recent[:0], l.recent[1:]...)
	}
	l.recent = append(l.recent, failureRecord{Failure: f, At: at})
}

// New builds an engine from the current settings.
func New(cfg Config) (*Engine, error) {
	if cfg.Settings == nil {
		cfg.Settings = settings.Static(settings.Defaults())
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	s := cfg.Settings.Get()

	e := &Engine{
		queue:    queue.New(),
		bus:      cfg.Bus,
		wdState:  &watchdog.State{},
		settings: cfg.Settings,
		lookup:   cfg.Passages,
		grouping: cfg.Grouping,
		strict:   cfg.Strict,
		logger:   cfg.Logger.WithPrefix("engine"),
	}

	m, err := mixer.New(mixer.Config{
		SampleRate: s.WorkingSampleRate,
		Volume:     s.Volume,
		Logger:     cfg.Logger.WithPrefix("mixer"),
	})
	if err != nil {
		return nil, err
	}
	e.mixer = m

	pool, err := chain.NewPool(s.MaximumDecodeStreams, chain.Config{
		OutputRate:       s.WorkingSampleRate,
		Capacity:         s.PlayoutBufferFrames(),
		Headroom:         s.HeadroomFrames,
		ResumeHysteresis: s.ResumeHysteresisFrames,
		MinimumBuffer:    cfg.Settings.MinimumPlaybackBuffer,
		Open:             cfg.Open,
		OnThreshold:      e.OnBufferThreshold,
		OnFailure:        e.OnDecodeFailed,
		Logger:           cfg.Logger.WithPrefix("chain"),
	})
	if err != nil {
		return nil, err
	}
	e.pool = pool

	e.watchdog = watchdog.New(e, e.wdState, watchdog.Config{
		Interval:  cfg.Settings.WatchdogInterval,
		Strict:    cfg.Strict,
		Publisher: e.bus,
		Logger:    cfg.Logger.WithPrefix("watchdog"),
	})
	return e, nil
}

// Bus returns the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Output returns the mixed stream as 16-bit little-endian stereo.
func (e *Engine) Output() io.Reader { return e.mixer }

// SampleRate returns the output rate.
func (e *Engine) SampleRate() int { return e.mixer.SampleRate() }

// Interventions returns the watchdog intervention count.
func (e *Engine) Interventions() uint64 { return e.wdState.Count() }

// Watchdog returns the watchdog so callers can run single cycles.
func (e *Engine) Watchdog() *watchdog.Watchdog { return e.watchdog }

// SetVolume sets the master volume, 0 to 100.
func (e *Engine) SetVolume(v int) { e.mixer.SetVolume(v) }

// Run drives the decode chains, mixer notices and watchdog until ctx is
// done. It returns ErrStrictIntervention from a strict watchdog and
// ErrPoolClosed if the pool goes away underneath it.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pool.Run(ctx) })
	g.Go(func() error { return e.mixer.Run(ctx, e) })
	g.Go(func() error { return e.watchdog.Run(ctx) })
	err := g.Wait()
	e.pool.Close()
	e.bus.Close()
	return err
}

func (e *Engine) publish(ev events.Event) { e.bus.Publish(ev) }

// Enqueue appends a passage and requests its decode at once. Grouping is
// resolved here so the playback path never waits on a lookup.
func (e *Engine) Enqueue(p passages.Passage) (uuid.UUID, error) {
	p.Groups = e.groups(p)

	e.opMu.Lock()
	defer e.opMu.Unlock()

	entry := e.queue.Enqueue(p)
	e.logger.Info("enqueued", "entry", entry.ID, "title", p.Title, "position", entry.Position)
	e.publish(events.Enqueued{
		At:        time.Now(),
		EntryID:   entry.ID,
		PassageID: p.ID,
		Position:  entry.Position.String(),
		Priority:  entry.Position.Priority().String(),
	})

	if _, err := e.requestDecode(entry.ID, entry.Position.Priority()); err != nil {
		return entry.ID, err
	}
	e.offerNext()
	return entry.ID, nil
}

// EnqueuePassage looks a passage up by id and enqueues it.
func (e *Engine) EnqueuePassage(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	if e.lookup == nil {
		return uuid.Nil, fmt.Errorf("no passage lookup configured")
	}
	p, err := e.lookup.Passage(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	return e.Enqueue(p)
}

// Remove takes an entry out of the queue wherever it is. Removing the
// current entry stops it and promotes the next one.
func (e *Engine) Remove(id uuid.UUID) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.remove(id)
}

// Skip removes the current entry.
func (e *Engine) Skip() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	cur, ok := e.queue.Current()
	if !ok {
		return nil
	}
	return e.remove(cur.ID)
}

// Pause silences the output and holds the playback position.
func (e *Engine) Pause() {
	if !e.mixer.Pause() {
		return
	}
	e.logger.Info("paused")
	e.publish(events.PlaybackStateChanged{At: time.Now(), Paused: true})
}

// Play resumes after Pause with the configured fade-in.
func (e *Engine) Play() {
	fade, curve := e.settings.Get().ResumeFadeIn()
	if !e.mixer.Play(fade, curve) {
		return
	}
	e.logger.Info("resumed", "fade", fade.Duration(), "curve", curve)
	e.publish(events.PlaybackStateChanged{At: time.Now(), Paused: false})
}

// Paused reports whether playback is paused.
func (e *Engine) Paused() bool { return e.mixer.Paused() }

// Seek moves the current passage forward to position, measured from the
// passage start. Frames buffered before that point are dropped; seeking
// backwards fails with mixer.ErrSeekBackward.
func (e *Engine) Seek(position timing.Ticks) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if _, ok := e.queue.Current(); !ok {
		return mixer.ErrNotPlaying
	}
	id, err := e.mixer.Seek(position)
	if err != nil {
		return err
	}
	e.logger.Info("seek", "entry", id, "position", position.Duration())
	e.publish(events.Seeked{At: time.Now(), EntryID: id, Position: position.Duration()})
	return nil
}

// RequestDecode asks the pool for a chain for id at priority. It reports
// whether a new decode started or a new pending request was created.
func (e *Engine) RequestDecode(id uuid.UUID, priority queue.Priority) (bool, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.requestDecode(id, priority)
}

// StartMixer starts playback of id if it is the current entry, its buffer
// is Ready and the mixer is idle. It reports whether playback began.
func (e *Engine) StartMixer(id uuid.UUID) (bool, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.startMixer(id)
}

// requestDecode expects opMu held. Errors other than a closed pool are
// logged and swallowed; the watchdog retries.
func (e *Engine) requestDecode(id uuid.UUID, priority queue.Priority) (bool, error) {
	entry, ok := e.queue.Get(id)
	if !ok {
		return false, nil
	}
	wasPending := e.pool.IsPending(id)
	res, err := e.pool.Assign(chain.Request{EntryID: id, Priority: priority, Passage: entry.Passage})
	if err != nil {
		if errors.Is(err, chain.ErrPoolClosed) {
			return false, err
		}
		e.logger.Error("decode request failed", "entry", id, "err", err)
		return false, nil
	}

	if res.Preempted != nil {
		_ = e.queue.SetChain(*res.Preempted, queue.NoChain)
	}
	if res.Started {
		_ = e.queue.SetChain(id, res.ChainID)
		e.logger.Debug("decode requested", "entry", id, "chain", res.ChainID, "priority", priority)
		return true, nil
	}
	if res.Pending {
		e.logger.Debug("decode pending", "entry", id, "priority", priority)
		return !wasPending, nil
	}
	return false, nil
}

// startMixer expects opMu held.
func (e *Engine) startMixer(id uuid.UUID) (bool, error) {
	cur, ok := e.queue.Current()
	if !ok || cur.ID != id {
		return false, nil
	}
	asg, ok := e.pool.Lookup(id)
	if !ok || !asg.Buffer.Ready() {
		return false, nil
	}
	started, err := e.mixer.Start(mixer.Track{EntryID: id, Passage: cur.Passage, Buffer: asg.Buffer})
	if err != nil {
		return false, err
	}
	if started {
		e.logger.Debug("mixer started", "entry", id)
	}
	e.offerNext()
	return started, nil
}

// offerNext hands the next entry's buffer to the mixer for crossfading.
func (e *Engine) offerNext() {
	next, ok := e.queue.Next()
	if !ok {
		return
	}
	asg, ok := e.pool.Lookup(next.ID)
	if !ok {
		return
	}
	if err := e.mixer.SetNext(mixer.Track{EntryID: next.ID, Passage: next.Passage, Buffer: asg.Buffer}); err != nil {
		e.logger.Warn("could not offer next passage", "entry", next.ID, "err", err)
	}
}

// assigned records a chain handed out by a release.
func (e *Engine) assigned(asg chain.Assignment, ok bool, err error) error {
	if err != nil {
		if errors.Is(err, chain.ErrPoolClosed) {
			return err
		}
		e.logger.Error("chain release failed", "err", err)
		return nil
	}
	if ok {
		_ = e.queue.SetChain(asg.EntryID, asg.ChainID)
	}
	return nil
}

// promote re-requests decode for entries whose priority improved. It runs
// before the departing entry's chain is released so the freed chain goes
// to the best request.
func (e *Engine) promote(promos []queue.Promotion) error {
	for _, p := range promos {
		if _, err := e.requestDecode(p.EntryID, p.To.Priority()); err != nil {
			return err
		}
	}
	return nil
}

// settle starts the new current entry if it is ready and offers the next.
func (e *Engine) settle() error {
	if cur, ok := e.queue.Current(); ok && e.mixer.State() == mixer.StateIdle {
		if _, err := e.startMixer(cur.ID); err != nil {
			return err
		}
	}
	e.offerNext()
	return nil
}

// remove expects opMu held.
func (e *Engine) remove(id uuid.UUID) error {
	entry, promos, err := e.queue.Remove(id)
	if err != nil {
		return err
	}
	e.mixer.Abort(id)
	if err := e.promote(promos); err != nil {
		return err
	}
	if err := e.assigned(e.pool.ReleaseEntry(id)); err != nil {
		return err
	}
	e.mixer.Forget(id)

	e.logger.Info("removed", "entry", id, "position", entry.Position)
	now := time.Now()
	e.publish(events.EntryRemoved{At: now, EntryID: id, Position: entry.Position.String()})
	if entry.Position.Kind == queue.KindCurrent {
		e.publishAdvanced(now, id)
	}
	return e.settle()
}

func (e *Engine) publishAdvanced(at time.Time, previous uuid.UUID) {
	ev := events.QueueAdvanced{At: at, Previous: previous}
	if cur, ok := e.queue.Current(); ok {
		ev.Current = &cur.ID
	}
	if next, ok := e.queue.Next(); ok {
		ev.Next = &next.ID
	}
	e.publish(ev)
}

// OnBufferThreshold handles a chain reaching its minimum playback buffer.
// It runs on the chain goroutine, which is the buffer's writer.
func (e *Engine) OnBufferThreshold(th chain.Threshold) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !e.pool.Current(th.ChainID, th.Generation, th.EntryID) {
		e.logger.Debug("stale threshold ignored", "entry", th.EntryID, "chain", th.ChainID)
		return
	}
	th.Buffer.MarkReady()
	e.publish(events.BufferThresholdReached{
		At:               time.Now(),
		EntryID:          th.EntryID,
		ChainID:          th.ChainID,
		Buffered:         th.Buffered,
		SourceSampleRate: th.SourceRate,
	})

	if cur, ok := e.queue.Current(); ok && cur.ID == th.EntryID {
		if _, err := e.startMixer(th.EntryID); err != nil {
			e.logger.Error("mixer start failed", "entry", th.EntryID, "err", err)
		}
		return
	}
	e.offerNext()
}

// OnDecodeFailed releases the chain, drops the entry and lets playback
// continue with whatever follows it.
func (e *Engine) OnDecodeFailed(f chain.Failure) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !e.pool.Current(f.ChainID, f.Generation, f.EntryID) {
		return
	}
	e.failures.add(f, time.Now())
	e.logger.Warn("passage failed", "entry", f.EntryID, "file", f.Passage.File, "err", f.Err)
	e.publish(events.DecodeFailed{
		At:        time.Now(),
		EntryID:   f.EntryID,
		PassageID: f.Passage.ID,
		File:      f.Passage.File,
		Error:     f.Err.Error(),
	})
	if err := e.remove(f.EntryID); err != nil && !errors.Is(err, queue.ErrUnknownEntry) {
		e.logger.Error("could not remove failed entry", "entry", f.EntryID, "err", err)
	}
}

func (e *Engine) groups(p passages.Passage) []uuid.UUID {
	if len(p.Groups) > 0 || e.grouping == nil {
		return p.Groups
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g, err := e.grouping.Grouping(ctx, p.ID)
	if err != nil {
		e.logger.Debug("grouping lookup failed", "passage", p.ID, "err", err)
		return nil
	}
	return g
}

// PassageStarted is called with mixer notices.
func (e *Engine) PassageStarted(n mixer.Notice) {
	e.logger.Info("passage started", "entry", n.EntryID, "title", n.Passage.Title)
	e.publish(events.PassageStarted{
		At:        n.At,
		EntryID:   n.EntryID,
		PassageID: n.Passage.ID,
		Title:     n.Passage.Title,
		Nominal:   n.Passage.Timing.Length().Duration(),
		Groups:    n.Passage.Groups,
	})
}

// PassageCompleted advances the queue when the completed entry is still
// current. Completions of entries already removed only produce an event.
func (e *Engine) PassageCompleted(n mixer.Notice) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.logger.Info("passage completed", "entry", n.EntryID, "played", n.Played, "completed", n.Completed)
	e.publish(events.PassageCompleted{
		At:        n.At,
		EntryID:   n.EntryID,
		PassageID: n.Passage.ID,
		Played:    n.Played,
		Completed: n.Completed,
		Groups:    n.Passage.Groups,
	})

	cur, ok := e.queue.Current()
	if !ok || cur.ID != n.EntryID {
		return
	}
	if err := e.advance(); err != nil {
		e.logger.Error("advance failed", "err", err)
	}
}

// advance expects opMu held.
func (e *Engine) advance() error {
	done, promos, ok := e.queue.Advance()
	if !ok {
		return nil
	}
	if err := e.promote(promos); err != nil {
		return err
	}
	if err := e.assigned(e.pool.ReleaseEntry(done.ID)); err != nil {
		return err
	}
	e.mixer.Forget(done.ID)
	e.publishAdvanced(time.Now(), done.ID)
	return e.settle()
}

// Inspect runs fn with a consistent snapshot for the watchdog.
func (e *Engine) Inspect(fn func(watchdog.Snapshot, watchdog.Corrector) error) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return fn(e.snapshot(), lockedCorrector{e})
}

func (e *Engine) snapshot() watchdog.Snapshot {
	s := watchdog.Snapshot{
		MixerIdle:  e.mixer.State() == mixer.StateIdle,
		IdleChains: e.pool.Idle(),
	}
	for _, entry := range e.queue.Entries() {
		st := watchdog.EntryState{
			ID:       entry.ID,
			Priority: entry.Position.Priority(),
			Pending:  e.pool.IsPending(entry.ID),
			Started:  e.mixer.HasStarted(entry.ID),
		}
		if asg, ok := e.pool.Lookup(entry.ID); ok {
			st.HasChain = true
			st.BufferReady = asg.Buffer.Ready()
		}
		switch entry.Position.Kind {
		case queue.KindCurrent:
			s.Current = &st
		case queue.KindNext:
			s.Next = &st
		default:
			s.Queued = append(s.Queued, st)
		}
	}
	return s
}

// lockedCorrector calls the corrective primitives with opMu already held.
type lockedCorrector struct{ e *Engine }

func (c lockedCorrector) RequestDecode(id uuid.UUID, p queue.Priority) (bool, error) {
	return c.e.requestDecode(id, p)
}

func (c lockedCorrector) StartMixer(id uuid.UUID) (bool, error) {
	return c.e.startMixer(id)
}
