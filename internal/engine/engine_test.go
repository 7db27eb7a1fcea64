// ABOUTME: Scenario tests for the playback engine
// ABOUTME: Drives thresholds and mixer notices by hand, plus one full run
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/playout/internal/chain"
	"github.com/Resonate-Protocol/playout/internal/events"
	"github.com/Resonate-Protocol/playout/internal/mixer"
	"github.com/Resonate-Protocol/playout/internal/passages"
	"github.com/Resonate-Protocol/playout/internal/ringbuffer"
	"github.com/Resonate-Protocol/playout/internal/settings"
	"github.com/Resonate-Protocol/playout/internal/watchdog"
	"github.com/Resonate-Protocol/playout/pkg/audio/decode"
	"github.com/Resonate-Protocol/playout/pkg/audio/output"
	"github.com/Resonate-Protocol/playout/pkg/timing"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// constSource yields frames stereo frames of a constant value at 44.1 kHz.
type constSource struct {
	frames int64
	pos    int64
}

func (s *constSource) Read(samples []int32) (int, error) {
	if s.pos >= s.frames {
		return 0, io.EOF
	}
	n := min(int64(len(samples)/2), s.frames-s.pos)
	for i := int64(0); i < n*2; i++ {
		samples[i] = 1 << 20
	}
	s.pos += n
	return int(n * 2), nil
}

func (s *constSource) SampleRate() int                    { return 44100 }
func (s *constSource) Channels() int                      { return 2 }
func (s *constSource) Metadata() (string, string, string) { return "", "", "" }
func (s *constSource) Close() error                       { return nil }

func testOpener(path string) (decode.Source, error) {
	switch path {
	case "bad":
		return nil, os.ErrNotExist
	default:
		return &constSource{frames: 44100 * 3 / 10}, nil
	}
}

func testSettings() *settings.Store {
	s := settings.Defaults()
	s.MaximumDecodeStreams = 3
	s.PlayoutBufferMs = 1000
	s.MinimumPlaybackBufferMs = 100
	s.WatchdogIntervalMs = 10
	s.HeadroomFrames = 441
	s.ResumeHysteresisFrames = 4410
	return settings.Static(s)
}

func newEngine(t *testing.T, strict bool) *Engine {
	t.Helper()
	e, err := New(Config{
		Settings: testSettings(),
		Open:     testOpener,
		Strict:   strict,
		Logger:   log.New(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func passage(file string) passages.Passage {
	return passages.Passage{ID: uuid.New(), File: file, Title: file, Groups: []uuid.UUID{uuid.New()}}
}

func subscribe(t *testing.T, e *Engine) chan events.Event {
	t.Helper()
	ch := make(chan events.Event, 256)
	if err := e.Bus().Subscribe(t.Name(), ch); err != nil {
		t.Fatal(err)
	}
	return ch
}

func collect(ch chan events.Event) map[events.Type]int {
	out := make(map[events.Type]int)
	for {
		select {
		case ev := <-ch:
			out[ev.Type()]++
		default:
			return out
		}
	}
}

// threshold delivers the threshold for id's live assignment.
func threshold(t *testing.T, e *Engine, id uuid.UUID) chain.Assignment {
	t.Helper()
	asg, ok := e.pool.Lookup(id)
	if !ok {
		t.Fatalf("entry %v has no chain", id)
	}
	e.OnBufferThreshold(chain.Threshold{
		ChainID: asg.ChainID, Generation: asg.Generation, EntryID: id, Buffer: asg.Buffer,
	})
	return asg
}

// feed writes frames into a buffer as the chain would.
func feed(buf *ringbuffer.Buffer, frames int, complete bool) {
	data := make([]int32, frames*2)
	for i := range data {
		data[i] = 1 << 20
	}
	buf.Write(data)
	if complete {
		buf.MarkComplete()
	}
}

// play pulls frames from the mixer and hands its notices to the engine.
func play(e *Engine, frames int) {
	buf := make([]int32, frames*2)
	e.mixer.ReadFrames(buf)
	e.mixer.Drain(e)
}

func cycle(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Watchdog().Cycle(); err != nil {
		t.Fatalf("watchdog cycle: %v", err)
	}
}

func chainPriority(e *Engine, id uuid.UUID) string {
	for _, c := range e.Status().Chains {
		if c.EntryID == id.String() {
			return c.Priority
		}
	}
	return ""
}

func TestEnqueuePriorities(t *testing.T) {
	e := newEngine(t, true)
	want := []string{"immediate", "next", "prefetch", "prefetch"}
	var ids []uuid.UUID
	for range want {
		id, err := e.Enqueue(passage("x"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	st := e.Status()
	for i, w := range want {
		if st.Queue[i].Priority != w {
			t.Errorf("entry %d: priority %s, want %s", i, st.Queue[i].Priority, w)
		}
	}
	for i := 0; i < 3; i++ {
		if st.Queue[i].ChainID == nil {
			t.Errorf("entry %d should hold a chain", i)
		}
	}
	if st.Queue[3].ChainID != nil || len(st.Pending) != 1 || st.Pending[0].EntryID != ids[3].String() {
		t.Errorf("fourth entry should be pending, got %+v", st.Pending)
	}
	cycle(t, e)
}

func TestPlaybackScenario(t *testing.T) {
	e := newEngine(t, true)
	sub := subscribe(t, e)

	a, _ := e.Enqueue(passage("a"))
	b, _ := e.Enqueue(passage("b"))
	c, _ := e.Enqueue(passage("c"))
	cycle(t, e)

	// A buffers enough: the mixer starts inside the handler.
	asgA := threshold(t, e, a)
	if e.mixer.State() != mixer.StatePlaying {
		t.Fatalf("expected mixer playing after threshold, got %v", e.mixer.State())
	}
	// A duplicate threshold changes nothing.
	threshold(t, e, a)
	cycle(t, e)

	// A plays out while B is still decoding.
	feed(asgA.Buffer, 441, true)
	play(e, 882)
	st := e.Status()
	if len(st.Queue) != 2 || st.Queue[0].EntryID != b.String() || st.Queue[1].EntryID != c.String() {
		t.Fatalf("expected [b c], got %+v", st.Queue)
	}
	if st.Queue[0].ChainID == nil {
		t.Error("b should keep its chain")
	}
	if st.Queue[1].Priority != "next" || chainPriority(e, c) != "next" {
		t.Errorf("c should be decoding at next priority, got %s/%s", st.Queue[1].Priority, chainPriority(e, c))
	}
	if _, ok := e.pool.Lookup(a); ok {
		t.Error("a's chain should be released")
	}
	cycle(t, e)

	// Removing B promotes C to current at immediate priority.
	asgB, _ := e.pool.Lookup(b)
	if err := e.Remove(b); err != nil {
		t.Fatal(err)
	}
	st = e.Status()
	if len(st.Queue) != 1 || st.Queue[0].EntryID != c.String() || st.Queue[0].Position != "current" {
		t.Fatalf("expected c current, got %+v", st.Queue)
	}
	if chainPriority(e, c) != "immediate" {
		t.Errorf("expected c at immediate priority, got %s", chainPriority(e, c))
	}
	if st.Chains[asgB.ChainID].State != chain.StateIdle.String() {
		t.Errorf("b's chain should be idle, got %s", st.Chains[asgB.ChainID].State)
	}
	cycle(t, e)

	if e.Interventions() != 0 {
		t.Errorf("a correct run must not need the watchdog, got %d interventions", e.Interventions())
	}
	got := collect(sub)
	for typ, n := range map[events.Type]int{
		events.TypeEnqueued:               3,
		events.TypeBufferThresholdReached: 2,
		events.TypePassageStarted:         1,
		events.TypePassageCompleted:       1,
		events.TypeQueueAdvanced:          2,
		events.TypeEntryRemoved:           1,
	} {
		if got[typ] != n {
			t.Errorf("%s: got %d events, want %d", typ, got[typ], n)
		}
	}
}

func TestSkipStartsReadyNext(t *testing.T) {
	e := newEngine(t, true)
	a, _ := e.Enqueue(passage("a"))
	b, _ := e.Enqueue(passage("b"))
	asgA := threshold(t, e, a)
	threshold(t, e, b)
	feed(asgA.Buffer, 100, false)
	play(e, 10)

	if err := e.Skip(); err != nil {
		t.Fatal(err)
	}
	pos := e.mixer.Position()
	if pos.State != mixer.StatePlaying || pos.EntryID != b {
		t.Fatalf("expected b playing right after skip, got %+v", pos)
	}

	sub := subscribe(t, e)
	play(e, 10)
	var aborted bool
	for _, ev := range drainEvents(sub) {
		if pc, ok := ev.(events.PassageCompleted); ok && pc.EntryID == a && !pc.Completed {
			aborted = true
		}
	}
	if !aborted {
		t.Error("expected a completion event with completed=false for the skipped entry")
	}
	if e.Status().Queue[0].EntryID != b.String() {
		t.Error("a late completion for a removed entry must not advance the queue")
	}
	cycle(t, e)
	if e.Interventions() != 0 {
		t.Errorf("unexpected interventions: %d", e.Interventions())
	}
}

func drainEvents(ch chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestDecodeFailureRemovesEntry(t *testing.T) {
	e := newEngine(t, true)
	sub := subscribe(t, e)
	bad, _ := e.Enqueue(passage("bad"))
	good, _ := e.Enqueue(passage("good"))

	asg, _ := e.pool.Lookup(bad)
	e.OnDecodeFailed(chain.Failure{
		ChainID: asg.ChainID, Generation: asg.Generation, EntryID: bad,
		Passage: passages.Passage{ID: uuid.New(), File: "bad"}, Err: os.ErrNotExist,
	})

	st := e.Status()
	if len(st.Queue) != 1 || st.Queue[0].EntryID != good.String() || st.Queue[0].Priority != "immediate" {
		t.Fatalf("expected good promoted to current, got %+v", st.Queue)
	}
	if st.DecodeFailures != 1 {
		t.Errorf("expected one failure recorded, got %d", st.DecodeFailures)
	}
	if collect(sub)[events.TypeDecodeFailed] != 1 {
		t.Error("expected a decode failed event")
	}

	// A second report for the same, now stale, assignment is ignored.
	e.OnDecodeFailed(chain.Failure{ChainID: asg.ChainID, Generation: asg.Generation, EntryID: bad, Err: os.ErrNotExist})
	if e.Status().DecodeFailures != 1 {
		t.Error("stale failure was counted")
	}
	cycle(t, e)
}

func TestStaleThresholdIgnored(t *testing.T) {
	e := newEngine(t, true)
	a, _ := e.Enqueue(passage("a"))
	asg, _ := e.pool.Lookup(a)
	if err := e.Remove(a); err != nil {
		t.Fatal(err)
	}
	e.OnBufferThreshold(chain.Threshold{ChainID: asg.ChainID, Generation: asg.Generation, EntryID: a, Buffer: asg.Buffer})
	if e.mixer.State() != mixer.StateIdle {
		t.Error("stale threshold started the mixer")
	}
	if asg.Buffer.Ready() {
		t.Error("stale buffer was marked ready")
	}
}

func TestRemoveUnknown(t *testing.T) {
	e := newEngine(t, false)
	if err := e.Remove(uuid.New()); err == nil {
		t.Error("expected error for unknown entry")
	}
	if err := e.Skip(); err != nil {
		t.Errorf("skip on empty queue should be a no-op, got %v", err)
	}
}

func TestWatchdogStartsMixerAfterLostThreshold(t *testing.T) {
	e := newEngine(t, false)
	a, _ := e.Enqueue(passage("a"))
	asg, _ := e.pool.Lookup(a)
	// The buffer became ready but the threshold event never arrived.
	asg.Buffer.MarkReady()

	cycle(t, e)
	if e.mixer.State() != mixer.StatePlaying {
		t.Fatalf("watchdog should have started the mixer, got %v", e.mixer.State())
	}
	if e.Interventions() != 1 {
		t.Fatalf("expected one intervention, got %d", e.Interventions())
	}
	last, _ := e.wdState.Last()
	if last.Kind != watchdog.KindMixerIdle || last.EntryID != a {
		t.Errorf("unexpected intervention %+v", last)
	}

	cycle(t, e)
	if e.Interventions() != 1 {
		t.Errorf("a satisfied condition must be a no-op, got %d", e.Interventions())
	}
}

func TestWatchdogRequestsLostDecode(t *testing.T) {
	e := newEngine(t, false)
	a, _ := e.Enqueue(passage("a"))
	// Drop the chain behind the engine's back.
	if _, _, err := e.pool.ReleaseEntry(a); err != nil {
		t.Fatal(err)
	}

	cycle(t, e)
	if _, ok := e.pool.Lookup(a); !ok {
		t.Fatal("watchdog should have requested a decode")
	}
	if e.Interventions() != 1 {
		t.Errorf("expected one intervention, got %d", e.Interventions())
	}
	if st := e.Status(); st.Watchdog.Interventions != 1 || st.Watchdog.LastType != string(watchdog.KindCurrentWithoutBuffer) {
		t.Errorf("status does not show the intervention: %+v", st.Watchdog)
	}
}

func TestStrictWatchdogFails(t *testing.T) {
	e := newEngine(t, true)
	a, _ := e.Enqueue(passage("a"))
	asg, _ := e.pool.Lookup(a)
	asg.Buffer.MarkReady()
	if err := e.Watchdog().Cycle(); !errors.Is(err, watchdog.ErrStrictIntervention) {
		t.Fatalf("expected ErrStrictIntervention, got %v", err)
	}
}

func TestFullRun(t *testing.T) {
	e := newEngine(t, true)
	sub := subscribe(t, e)

	fade := timing.FromMillis(50)
	for _, name := range []string{"a", "b", "c"} {
		p := passage(name)
		p.Timing = timing.WithCrossfade(0, timing.FromMillis(300), fade)
		if _, err := e.Enqueue(p); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	out := output.NewNull(5*time.Millisecond, 10)
	if err := out.Open(e.SampleRate(), 2, e.Output()); err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	completed := 0
	deadline := time.After(10 * time.Second)
	for completed < 3 {
		select {
		case ev := <-sub:
			if pc, ok := ev.(events.PassageCompleted); ok {
				if !pc.Completed {
					t.Errorf("passage %v did not complete", pc.EntryID)
				}
				completed++
			}
		case err := <-runErr:
			t.Fatalf("engine stopped early: %v", err)
		case <-deadline:
			t.Fatalf("timed out with %d passages completed", completed)
		}
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("unexpected run error: %v", err)
	}
	if e.Interventions() != 0 {
		t.Errorf("a correct run must not need the watchdog, got %d", e.Interventions())
	}
}

func TestCompletionsQueuedBehindListenerAdvance(t *testing.T) {
	e := newEngine(t, true)
	sub := subscribe(t, e)
	a, _ := e.Enqueue(passage("a"))
	b, _ := e.Enqueue(passage("b"))
	c, _ := e.Enqueue(passage("c"))
	asgA := threshold(t, e, a)
	asgB := threshold(t, e, b)
	feed(asgA.Buffer, 100, true)
	feed(asgB.Buffer, 100, true)

	// a and b both play out before the listener hears about either.
	buf := make([]int32, 20)
	for i := 0; i < 30; i++ {
		e.mixer.ReadFrames(buf)
	}
	if e.mixer.State() != mixer.StateIdle {
		t.Fatalf("expected the mixer idle after a and b, got %v", e.mixer.State())
	}
	e.mixer.Drain(e)

	st := e.Status()
	if len(st.Queue) != 1 || st.Queue[0].EntryID != c.String() {
		t.Fatalf("expected only c left, got %+v", st.Queue)
	}
	asgC := threshold(t, e, c)
	if pos := e.mixer.Position(); pos.EntryID != c || pos.State != mixer.StatePlaying {
		t.Fatalf("expected c playing, got %+v", pos)
	}
	feed(asgC.Buffer, 100, true)
	play(e, 200)
	if len(e.Status().Queue) != 0 {
		t.Errorf("expected an empty queue, got %+v", e.Status().Queue)
	}

	var completed []uuid.UUID
	for _, ev := range drainEvents(sub) {
		if pc, ok := ev.(events.PassageCompleted); ok {
			if !pc.Completed {
				t.Errorf("passage %v reported as aborted", pc.EntryID)
			}
			completed = append(completed, pc.EntryID)
		}
	}
	if !slices.Equal(completed, []uuid.UUID{a, b, c}) {
		t.Errorf("expected one completion each for a, b, c, got %v", completed)
	}
	cycle(t, e)
}

type countingGrouping struct {
	mu     sync.Mutex
	calls  int
	groups []uuid.UUID
}

func (g *countingGrouping) Grouping(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.groups, nil
}

func TestGroupingResolvedAtEnqueue(t *testing.T) {
	album := uuid.New()
	grouping := &countingGrouping{groups: []uuid.UUID{album}}
	e, err := New(Config{
		Settings: testSettings(),
		Open:     testOpener,
		Grouping: grouping,
		Logger:   log.New(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}
	sub := subscribe(t, e)

	p := passage("a")
	p.Groups = nil
	a, _ := e.Enqueue(p)
	if grouping.calls != 1 {
		t.Fatalf("expected one lookup at enqueue, got %d", grouping.calls)
	}
	// Passages that carry their groups need no lookup.
	e.Enqueue(passage("b"))
	if grouping.calls != 1 {
		t.Errorf("lookup made for a passage with groups, %d calls", grouping.calls)
	}

	asg := threshold(t, e, a)
	feed(asg.Buffer, 100, true)
	play(e, 200)
	if grouping.calls != 1 {
		t.Errorf("playback must not look groups up, %d calls", grouping.calls)
	}

	var started, completed bool
	for _, ev := range drainEvents(sub) {
		switch ev := ev.(type) {
		case events.PassageStarted:
			started = ev.EntryID == a && slices.Equal(ev.Groups, []uuid.UUID{album})
		case events.PassageCompleted:
			completed = ev.EntryID == a && slices.Equal(ev.Groups, []uuid.UUID{album})
		}
	}
	if !started || !completed {
		t.Errorf("expected album ids on both passage events, started=%v completed=%v", started, completed)
	}
}

func TestDecodeFailuresAreBounded(t *testing.T) {
	e := newEngine(t, false)
	var last string
	for i := 0; i < recentFailures+4; i++ {
		id, _ := e.Enqueue(passage("bad"))
		asg, _ := e.pool.Lookup(id)
		last = fmt.Sprintf("bad-%d", i)
		e.OnDecodeFailed(chain.Failure{
			ChainID: asg.ChainID, Generation: asg.Generation, EntryID: id,
			Passage: passages.Passage{ID: uuid.New(), File: last}, Err: os.ErrNotExist,
		})
	}

	st := e.Status()
	if st.DecodeFailures != recentFailures+4 {
		t.Errorf("expected %d failures counted, got %d", recentFailures+4, st.DecodeFailures)
	}
	if len(st.RecentFailures) != recentFailures {
		t.Fatalf("expected %d recent failures, got %d", recentFailures, len(st.RecentFailures))
	}
	if st.RecentFailures[0].File != "bad-4" || st.RecentFailures[recentFailures-1].File != last {
		t.Errorf("expected the newest failures, oldest first: %s .. %s",
			st.RecentFailures[0].File, st.RecentFailures[recentFailures-1].File)
	}
}

func TestPausePlaySeek(t *testing.T) {
	e := newEngine(t, true)
	sub := subscribe(t, e)

	if err := e.Seek(timing.FromMillis(10)); !errors.Is(err, mixer.ErrNotPlaying) {
		t.Errorf("seek on an empty queue: expected ErrNotPlaying, got %v", err)
	}

	a, _ := e.Enqueue(passage("a"))
	asg := threshold(t, e, a)
	feed(asg.Buffer, 4410, false)
	play(e, 441)

	e.Pause()
	e.Pause()
	st := e.Status()
	if !st.Mixer.Paused || st.Mixer.State != "paused" {
		t.Fatalf("expected paused status, got %+v", st.Mixer)
	}
	play(e, 441)
	if got := e.mixer.Position().Frames; got != 441 {
		t.Errorf("pause must hold the position, got %d", got)
	}

	e.Play()
	if e.Paused() {
		t.Fatal("expected playing after Play")
	}
	play(e, 441)
	if got := e.mixer.Position().Frames; got != 882 {
		t.Errorf("expected 882 frames after resume, got %d", got)
	}

	if err := e.Seek(timing.FromMillis(50)); err != nil {
		t.Fatal(err)
	}
	play(e, 1)
	if got := e.mixer.Position().Frames; got != 2206 {
		t.Errorf("expected position 2206 after seek, got %d", got)
	}
	if err := e.Seek(timing.FromMillis(10)); !errors.Is(err, mixer.ErrSeekBackward) {
		t.Errorf("expected ErrSeekBackward, got %v", err)
	}

	var paused, resumed, seeked int
	for _, ev := range drainEvents(sub) {
		switch ev := ev.(type) {
		case events.PlaybackStateChanged:
			if ev.Paused {
				paused++
			} else {
				resumed++
			}
		case events.Seeked:
			if ev.EntryID == a && ev.Position == 50*time.Millisecond {
				seeked++
			}
		}
	}
	if paused != 1 || resumed != 1 || seeked != 1 {
		t.Errorf("expected one pause, resume and seek event, got %d %d %d", paused, resumed, seeked)
	}
	cycle(t, e)
}

// median returns the middle duration of ds.
func median(ds []time.Duration) time.Duration {
	s := slices.Clone(ds)
	slices.Sort(s)
	return s[len(s)/2]
}

func TestHandlersStayUnderAMillisecond(t *testing.T) {
	s := settings.Defaults()
	e, err := New(Config{
		Settings: settings.Static(s),
		Open:     testOpener,
		Logger:   log.New(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}

	timings := map[string][]time.Duration{}
	timed := func(op string, fn func()) {
		start := time.Now()
		fn()
		timings[op] = append(timings[op], time.Since(start))
	}

	for round := 0; round < 5; round++ {
		var ids []uuid.UUID
		for i := 0; i <= s.MaximumDecodeStreams; i++ {
			timed("enqueue", func() {
				id, err := e.Enqueue(passage("x"))
				if err != nil {
					t.Fatal(err)
				}
				ids = append(ids, id)
			})
		}

		asg, _ := e.pool.Lookup(ids[0])
		timed("threshold", func() {
			e.OnBufferThreshold(chain.Threshold{
				ChainID: asg.ChainID, Generation: asg.Generation, EntryID: ids[0], Buffer: asg.Buffer,
			})
		})
		if e.mixer.State() != mixer.StatePlaying {
			t.Fatalf("round %d: expected mixer playing, got %v", round, e.mixer.State())
		}

		feed(asg.Buffer, 10, true)
		e.mixer.ReadFrames(make([]int32, 40))
		for _, n := range e.mixer.Collect() {
			if n.Kind == mixer.NoticeCompleted {
				timed("advance", func() { e.PassageCompleted(n) })
			} else {
				e.PassageStarted(n)
			}
		}

		for _, id := range ids[1:] {
			timed("remove", func() {
				if err := e.Remove(id); err != nil {
					t.Fatal(err)
				}
			})
		}
		if n := len(e.Status().Queue); n != 0 {
			t.Fatalf("round %d: %d entries left", round, n)
		}
	}

	for op, ds := range timings {
		if m := median(ds); m > time.Millisecond {
			t.Errorf("%s: median %v over %d calls exceeds 1ms", op, m, len(ds))
		}
	}
	if len(timings["advance"]) != 5 {
		t.Errorf("expected one advance per round, got %d", len(timings["advance"]))
	}
}
