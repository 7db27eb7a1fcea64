// ABOUTME: Tests for the mixer control plane and render path
// ABOUTME: Drives ReadFrames directly with hand-filled ring buffers
package mixer

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/playout/internal/passages"
	"github.com/Resonate-Protocol/playout/internal/ringbuffer"
	"github.com/Resonate-Protocol/playout/pkg/audio"
	"github.com/Resonate-Protocol/playout/pkg/timing"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const rate = 44100

func newMixer(t *testing.T) *Mixer {
	t.Helper()
	m, err := New(Config{SampleRate: rate, Volume: 100, Logger: log.New(io.Discard)})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// filled returns a buffer holding frames of value, marked Ready and, if
// complete, Complete.
func filled(t *testing.T, frames int, value int32, complete bool) *ringbuffer.Buffer {
	t.Helper()
	buf, err := ringbuffer.New(ringbuffer.Config{Capacity: frames + 4410, Channels: 2, Headroom: 0, ResumeHysteresis: 1})
	if err != nil {
		t.Fatal(err)
	}
	data := make([]int32, frames*2)
	for i := range data {
		data[i] = value
	}
	buf.Write(data)
	buf.MarkReady()
	if complete {
		buf.MarkComplete()
	}
	return buf
}

func trackWith(buf *ringbuffer.Buffer, tm timing.PassageTiming) Track {
	return Track{
		EntryID: uuid.New(),
		Passage: passages.Passage{
			ID:           uuid.New(),
			Timing:       tm.Normalize(),
			FadeInCurve:  audio.CurveLinear,
			FadeOutCurve: audio.CurveLinear,
		},
		Buffer: buf,
	}
}

func drain(m *Mixer) []Notice { return m.Collect() }

func render(m *Mixer, frames, chunk int) []int32 {
	out := make([]int32, 0, frames*2)
	buf := make([]int32, chunk*2)
	for len(out) < frames*2 {
		n := min(chunk, frames-len(out)/2)
		m.ReadFrames(buf[:n*2])
		out = append(out, buf[:n*2]...)
	}
	return out
}

func abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func TestStartIsIdempotent(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 441, 1000, true), timing.PassageTiming{})
	b := trackWith(filled(t, 441, 1000, true), timing.PassageTiming{})

	if ok, err := m.Start(a); !ok || err != nil {
		t.Fatalf("expected start, got %v %v", ok, err)
	}
	if m.State() != StatePlaying {
		t.Errorf("expected playing, got %v", m.State())
	}
	if ok, _ := m.Start(a); ok {
		t.Error("duplicate start should be a no-op")
	}
	if ok, _ := m.Start(b); ok {
		t.Error("start while playing should be a no-op")
	}

	render(m, 1000, 256)
	if m.State() != StateIdle {
		t.Fatalf("expected idle after exhaustion, got %v", m.State())
	}
	if ok, _ := m.Start(a); ok {
		t.Error("an entry must never start twice")
	}
	if ok, _ := m.Start(b); !ok {
		t.Error("expected b to start")
	}
	if !m.HasStarted(a.EntryID) || !m.HasStarted(b.EntryID) {
		t.Error("expected both entries reported as started")
	}

	if _, err := m.Start(Track{EntryID: uuid.New()}); err == nil {
		t.Error("expected error for a track without buffer")
	}
}

func TestPlaysToExhaustionAndReportsDuration(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 4410, 1000, true), timing.PassageTiming{})
	m.Start(a)

	out := render(m, 8820, 1000)
	for i := 0; i < 4410*2; i++ {
		if out[i] != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i, out[i])
		}
	}
	for i := 4410 * 2; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("sample %d = %d, want silence", i, out[i])
		}
	}

	notices := drain(m)
	if len(notices) != 2 || notices[0].Kind != NoticeStarted || notices[1].Kind != NoticeCompleted {
		t.Fatalf("unexpected notices %+v", notices)
	}
	done := notices[1]
	if done.EntryID != a.EntryID || !done.Completed || done.Frames != 4410 {
		t.Errorf("unexpected completion %+v", done)
	}
	if done.Played != 100*time.Millisecond {
		t.Errorf("expected 100ms played, got %v", done.Played)
	}
	if m.Underruns() != 0 {
		t.Errorf("exhaustion is not an underrun, got %d", m.Underruns())
	}
}

func TestStopsAtPassageEnd(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 4410, 1000, false), timing.PassageTiming{End: timing.FromMillis(50)})
	m.Start(a)

	out := render(m, 4410, 4410)
	if out[2204*2] != 1000 || out[2205*2] != 0 {
		t.Errorf("expected output to stop at frame 2205, got %d then %d", out[2204*2], out[2205*2])
	}
	if m.State() != StateIdle {
		t.Errorf("expected idle, got %v", m.State())
	}
	notices := drain(m)
	if last := notices[len(notices)-1]; last.Frames != 2205 || !last.Completed {
		t.Errorf("unexpected completion %+v", last)
	}
}

func TestFadeIn(t *testing.T) {
	m := newMixer(t)
	tm := timing.PassageTiming{FadeInComplete: timing.FromMillis(100)}
	m.Start(trackWith(filled(t, 8820, 10000, true), tm))

	out := render(m, 8820, 512)
	if out[0] != 0 {
		t.Errorf("fade-in should start silent, got %d", out[0])
	}
	if mid := out[2205*2]; abs(mid-5000) > 2 {
		t.Errorf("expected half gain at mid fade, got %d", mid)
	}
	if out[4410*2] != 10000 || out[8000*2] != 10000 {
		t.Errorf("expected full gain after fade-in")
	}
}

func TestCrossfade(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 8820, 10000, true), timing.PassageTiming{
		End:          timing.FromMillis(200),
		FadeOutStart: timing.FromMillis(100),
	})
	b := trackWith(filled(t, 22050, 10000, true), timing.PassageTiming{
		FadeInComplete: timing.FromMillis(100),
	})
	m.Start(a)
	if err := m.SetNext(b); err != nil {
		t.Fatal(err)
	}

	render(m, 4410, 4410)
	if m.State() != StatePlaying {
		t.Fatalf("expected playing before fade-out, got %v", m.State())
	}
	fade := render(m, 2000, 500)
	if m.State() != StateCrossfading {
		t.Errorf("expected crossfading, got %v", m.State())
	}
	for i := 0; i < len(fade); i++ {
		if abs(fade[i]-10000) > 2 {
			t.Fatalf("crossfade sum at sample %d = %d", i, fade[i])
		}
	}

	rest := render(m, 4410, 700)
	for i := 0; i < len(rest); i++ {
		if abs(rest[i]-10000) > 2 {
			t.Fatalf("post-crossfade sample %d = %d", i, rest[i])
		}
	}
	pos := m.Position()
	if pos.State != StatePlaying || pos.EntryID != b.EntryID {
		t.Errorf("expected b playing, got %+v", pos)
	}
	if pos.Frames != 2000+4410 {
		t.Errorf("expected b at frame 6410, got %d", pos.Frames)
	}

	notices := drain(m)
	var kinds []string
	for _, n := range notices {
		label := "started"
		if n.Kind == NoticeCompleted {
			label = "completed"
		}
		if n.EntryID == a.EntryID {
			label += ":a"
		} else {
			label += ":b"
		}
		kinds = append(kinds, label)
	}
	want := []string{"started:a", "started:b", "completed:a"}
	if len(kinds) != len(want) {
		t.Fatalf("notices %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("notices %v, want %v", kinds, want)
		}
	}
	if notices[2].Frames != 8820 || !notices[2].Completed {
		t.Errorf("unexpected completion of a: %+v", notices[2])
	}
	if !m.HasStarted(b.EntryID) {
		t.Error("b should count as started")
	}
}

func TestNextNotReadyFadesOutAlone(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 8820, 10000, true), timing.PassageTiming{
		End:          timing.FromMillis(200),
		FadeOutStart: timing.FromMillis(100),
	})
	nextBuf, _ := ringbuffer.New(ringbuffer.Config{Capacity: 44100, Channels: 2, Headroom: 0, ResumeHysteresis: 1})
	b := trackWith(nextBuf, timing.PassageTiming{})
	m.Start(a)
	m.SetNext(b)

	out := render(m, 8820, 441)
	if mid := out[6615*2]; abs(mid-5000) > 2 {
		t.Errorf("expected a fading alone at half gain, got %d", mid)
	}
	if m.State() != StateIdle {
		t.Errorf("expected idle with next not ready, got %v", m.State())
	}
	if m.HasStarted(b.EntryID) {
		t.Error("b never played")
	}
}

func TestNextReadyAtEndIsAdopted(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 4410, 1000, true), timing.PassageTiming{
		End:          timing.FromMillis(100),
		FadeOutStart: timing.FromMillis(50),
	})
	bBuf, _ := ringbuffer.New(ringbuffer.Config{Capacity: 44100, Channels: 2, Headroom: 0, ResumeHysteresis: 1})
	b := trackWith(bBuf, timing.PassageTiming{})
	m.Start(a)
	m.SetNext(b)

	render(m, 3000, 3000)
	data := make([]int32, 4410*2)
	for i := range data {
		data[i] = 2000
	}
	bBuf.Write(data)
	bBuf.MarkReady()

	out := render(m, 2000, 2000)
	if out[1409*2] == 2000 || out[1410*2] != 2000 {
		t.Errorf("expected b to follow a without a gap, got %d then %d", out[1409*2], out[1410*2])
	}
	if pos := m.Position(); pos.EntryID != b.EntryID || pos.State != StatePlaying {
		t.Errorf("expected b playing, got %+v", pos)
	}
}

func TestAbortCurrent(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 44100, 1000, true), timing.PassageTiming{})
	m.Start(a)
	render(m, 441, 441)

	if !m.Abort(a.EntryID) {
		t.Fatal("expected abort to act")
	}
	if m.State() != StateIdle {
		t.Errorf("abort should idle the mixer at once, got %v", m.State())
	}
	if m.Abort(a.EntryID) {
		t.Error("second abort should be a no-op")
	}

	out := render(m, 441, 441)
	if out[0] != 0 {
		t.Error("expected silence after abort")
	}
	notices := drain(m)
	last := notices[len(notices)-1]
	if last.Kind != NoticeCompleted || last.Completed || last.Frames != 441 {
		t.Errorf("expected aborted completion after 441 frames, got %+v", last)
	}
}

func TestAbortDuringCrossfadeHandsOver(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 8820, 10000, true), timing.PassageTiming{
		End:          timing.FromMillis(200),
		FadeOutStart: timing.FromMillis(100),
	})
	b := trackWith(filled(t, 22050, 10000, true), timing.PassageTiming{FadeInComplete: timing.FromMillis(100)})
	m.Start(a)
	m.SetNext(b)
	render(m, 5000, 1000)
	if m.State() != StateCrossfading {
		t.Fatalf("expected crossfading, got %v", m.State())
	}

	m.Abort(a.EntryID)
	render(m, 100, 100)
	pos := m.Position()
	if pos.EntryID != b.EntryID || pos.State != StatePlaying {
		t.Errorf("expected b to take over, got %+v", pos)
	}
	var aborted bool
	for _, n := range drain(m) {
		if n.EntryID == a.EntryID && n.Kind == NoticeCompleted && !n.Completed {
			aborted = true
		}
	}
	if !aborted {
		t.Error("expected an aborted completion for a")
	}
}

func TestAbortNext(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 4410, 1000, true), timing.PassageTiming{})
	b := trackWith(filled(t, 4410, 1000, true), timing.PassageTiming{})
	m.Start(a)
	m.SetNext(b)
	if !m.Abort(b.EntryID) {
		t.Fatal("expected abort of next to act")
	}
	if m.Position().Next != uuid.Nil {
		t.Error("next offer should be withdrawn")
	}
	render(m, 8820, 1000)
	if m.State() != StateIdle {
		t.Errorf("expected idle, got %v", m.State())
	}
}

func TestUnderrun(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 100, 1000, false), timing.PassageTiming{})
	m.Start(a)

	out := render(m, 300, 300)
	if out[99*2] != 1000 || out[100*2] != 0 {
		t.Error("expected silence after the buffered frames")
	}
	if m.Underruns() != 200 {
		t.Errorf("expected 200 underrun frames, got %d", m.Underruns())
	}
	if m.Position().Frames != 100 {
		t.Errorf("position must count only frames read, got %d", m.Position().Frames)
	}
	if m.State() != StatePlaying {
		t.Errorf("underrun must not end the passage, got %v", m.State())
	}
}

func TestVolumeAndRead(t *testing.T) {
	m := newMixer(t)
	m.SetVolume(50)
	if m.Volume() != 50 {
		t.Errorf("expected volume 50, got %d", m.Volume())
	}
	m.Start(trackWith(filled(t, 100, 25600*2, true), timing.PassageTiming{}))

	p := make([]byte, 40)
	n, err := m.Read(p)
	if err != nil || n != 40 {
		t.Fatalf("unexpected read %d %v", n, err)
	}
	if got := int16(binary.LittleEndian.Uint16(p)); got != 100 {
		t.Errorf("expected 100 after halving and 16-bit conversion, got %d", got)
	}

	m.SetVolume(250)
	if m.Volume() != 100 {
		t.Errorf("volume should clamp to 100, got %d", m.Volume())
	}
}

type listener struct {
	mu        sync.Mutex
	started   []uuid.UUID
	completed []uuid.UUID
}

func (l *listener) PassageStarted(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, n.EntryID)
}

func (l *listener) PassageCompleted(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, n.EntryID)
}

func TestRunDispatches(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 100, 1000, true), timing.PassageTiming{})
	m.Start(a)
	render(m, 200, 200)

	l := &listener{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, l)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		l.mu.Lock()
		n := len(l.completed)
		l.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for dispatch")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if l.started[0] != a.EntryID || l.completed[0] != a.EntryID {
		t.Errorf("unexpected dispatch %+v", l)
	}
}

func TestNoticesSurviveASlowListener(t *testing.T) {
	m := newMixer(t)
	var ids []uuid.UUID
	for i := 0; i < 100; i++ {
		a := trackWith(filled(t, 10, 1000, true), timing.PassageTiming{})
		if ok, err := m.Start(a); !ok || err != nil {
			t.Fatalf("start %d: %v %v", i, ok, err)
		}
		render(m, 20, 20)
		ids = append(ids, a.EntryID)
	}

	notices := drain(m)
	if len(notices) != 200 {
		t.Fatalf("expected 200 notices, got %d", len(notices))
	}
	for i, id := range ids {
		s, c := notices[2*i], notices[2*i+1]
		if s.Kind != NoticeStarted || s.EntryID != id || c.Kind != NoticeCompleted || c.EntryID != id || !c.Completed {
			t.Fatalf("passage %d: unexpected notices %+v %+v", i, s, c)
		}
	}
	if again := drain(m); len(again) != 0 {
		t.Errorf("notices must be delivered once, got %d more", len(again))
	}
	if len(m.live) != 0 {
		t.Errorf("collected tracks should be released, %d left", len(m.live))
	}
}

func TestForgetKeepsUncollectedCompletion(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 4410, 1000, true), timing.PassageTiming{})
	b := trackWith(filled(t, 4410, 1000, true), timing.PassageTiming{})
	m.Start(a)
	m.SetNext(b)
	render(m, 100, 100)
	drain(m)

	m.Abort(a.EntryID)
	m.Forget(a.EntryID)
	m.Abort(b.EntryID)
	m.Forget(b.EntryID)
	render(m, 100, 100)

	notices := drain(m)
	if len(notices) != 1 || notices[0].EntryID != a.EntryID || notices[0].Kind != NoticeCompleted || notices[0].Completed {
		t.Fatalf("expected only the aborted completion of a, got %+v", notices)
	}
	if len(m.live) != 0 {
		t.Errorf("expected no live tracks, got %d", len(m.live))
	}
}

func TestStartRefusesOfferAlreadyPlayed(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 100, 1000, true), timing.PassageTiming{})
	b := trackWith(filled(t, 100, 1000, true), timing.PassageTiming{})
	m.Start(a)
	m.SetNext(b)
	render(m, 300, 300)
	if m.State() != StateIdle {
		t.Fatalf("expected both passages played out, got %v", m.State())
	}
	if ok, _ := m.Start(b); ok {
		t.Error("an offer that already played must not start again")
	}
}

func TestPauseOutputsSilence(t *testing.T) {
	m := newMixer(t)
	a := trackWith(filled(t, 4410, 1000, true), timing.PassageTiming{})
	m.Start(a)
	render(m, 100, 100)

	if !m.Pause() {
		t.Fatal("expected pause to act")
	}
	if m.Pause() {
		t.Error("second pause should be a no-op")
	}
	if m.State() != StatePaused || !m.Paused() {
		t.Fatalf("expected paused, got %v", m.State())
	}
	out := render(m, 1000, 250)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("sample %d = %d during pause", i, v)
		}
	}
	if m.Position().Frames != 100 {
		t.Errorf("pause must not advance the position, got %d", m.Position().Frames)
	}
	if m.Underruns() != 0 {
		t.Errorf("pause is not an underrun, got %d", m.Underruns())
	}

	if !m.Play(0, audio.CurveLinear) {
		t.Fatal("expected play to resume")
	}
	if out := render(m, 10, 10); out[0] != 1000 {
		t.Errorf("expected full gain after an unfaded resume, got %d", out[0])
	}
	if m.Position().Frames != 110 {
		t.Errorf("expected position 110, got %d", m.Position().Frames)
	}
}

func TestResumeFadesIn(t *testing.T) {
	m := newMixer(t)
	m.Start(trackWith(filled(t, 8820, 10000, true), timing.PassageTiming{}))
	render(m, 10, 10)
	m.Pause()
	render(m, 10, 10)

	m.Play(timing.FromMillis(100), audio.CurveLinear)
	out := render(m, 4410+100, 512)
	if out[0] != 0 {
		t.Errorf("resume should start silent, got %d", out[0])
	}
	if mid := out[2205*2]; abs(mid-5000) > 2 {
		t.Errorf("expected half gain halfway through the resume fade, got %d", mid)
	}
	if out[4410*2] != 10000 {
		t.Errorf("expected full gain after the resume fade, got %d", out[4410*2])
	}
}

func TestPlayWithoutPauseIsNoop(t *testing.T) {
	m := newMixer(t)
	if m.Play(timing.FromMillis(100), audio.CurveLinear) {
		t.Error("play on a running mixer should report no change")
	}
	m.Pause()
	if m.State() != StateIdle {
		t.Errorf("a paused mixer without a passage is idle, got %v", m.State())
	}
}

func TestSeekDiscardsBufferedFrames(t *testing.T) {
	m := newMixer(t)
	buf, _ := ringbuffer.New(ringbuffer.Config{Capacity: 44100, Channels: 2, Headroom: 0, ResumeHysteresis: 1})
	data := make([]int32, 4410*2)
	for i := range data {
		data[i] = int32(i / 2)
	}
	buf.Write(data)
	buf.MarkReady()
	a := trackWith(buf, timing.PassageTiming{})
	m.Start(a)
	render(m, 100, 100)

	id, err := m.Seek(timing.FromMillis(50))
	if err != nil || id != a.EntryID {
		t.Fatalf("seek: %v %v", id, err)
	}
	out := render(m, 1, 1)
	if out[0] != 2205 {
		t.Errorf("expected frame 2205 after seek, got %d", out[0])
	}
	if m.Position().Frames != 2206 {
		t.Errorf("expected position 2206, got %d", m.Position().Frames)
	}

	if _, err := m.Seek(timing.FromMillis(10)); !errors.Is(err, ErrSeekBackward) {
		t.Errorf("expected ErrSeekBackward, got %v", err)
	}

	// Past what is buffered: playback continues from the last written frame.
	if _, err := m.Seek(timing.FromMillis(1000)); err != nil {
		t.Fatal(err)
	}
	render(m, 1, 1)
	if got := m.Position().Frames; got != 4410 {
		t.Errorf("seek should stop at the buffered end, got %d", got)
	}
}

func TestSeekWhilePausedMovesPosition(t *testing.T) {
	m := newMixer(t)
	m.Start(trackWith(filled(t, 4410, 1000, true), timing.PassageTiming{}))
	render(m, 10, 10)
	m.Pause()
	if _, err := m.Seek(timing.FromMillis(50)); err != nil {
		t.Fatal(err)
	}
	render(m, 10, 10)
	if got := m.Position().Frames; got != 2205 {
		t.Errorf("expected position 2205 while paused, got %d", got)
	}
}

func TestSeekErrors(t *testing.T) {
	m := newMixer(t)
	if _, err := m.Seek(timing.FromMillis(10)); !errors.Is(err, ErrNotPlaying) {
		t.Errorf("expected ErrNotPlaying, got %v", err)
	}

	a := trackWith(filled(t, 8820, 10000, true), timing.PassageTiming{
		End:          timing.FromMillis(200),
		FadeOutStart: timing.FromMillis(100),
	})
	b := trackWith(filled(t, 8820, 10000, true), timing.PassageTiming{})
	m.Start(a)
	m.SetNext(b)
	render(m, 5000, 1000)
	if _, err := m.Seek(timing.FromMillis(150)); !errors.Is(err, ErrSeekDuringCrossfade) {
		t.Errorf("expected ErrSeekDuringCrossfade, got %v", err)
	}
}

func TestNewRejectsUnsupportedRate(t *testing.T) {
	if _, err := New(Config{SampleRate: 12345}); err == nil {
		t.Error("expected error")
	}
}
