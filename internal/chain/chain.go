// ABOUTME: Decode chain: one serial decoder feeding one ring buffer
// ABOUTME: Runs Idle -> Decoding -> Ready -> Draining with flow control
package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/playout/internal/passages"
	"github.com/Resonate-Protocol/playout/internal/ringbuffer"
	"github.com/Resonate-Protocol/playout/pkg/audio"
	"github.com/Resonate-Protocol/playout/pkg/audio/decode"
	"github.com/Resonate-Protocol/playout/pkg/audio/resample"
	"github.com/Resonate-Protocol/playout/pkg/timing"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// State is the lifecycle state of a chain.
type State int32

const (
	StateIdle State = iota
	StateDecoding
	StateReady
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDecoding:
		return "decoding"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Job is the work handed to a chain on assignment.
type Job struct {
	EntryID uuid.UUID
	Passage passages.Passage
}

// Threshold reports that an assignment first buffered the minimum playback
// duration, or finished decoding before it could.
type Threshold struct {
	ChainID    int
	Generation uint64
	EntryID    uuid.UUID
	Buffer     *ringbuffer.Buffer
	Buffered   time.Duration
	SourceRate int
}

// Failure reports a decode error for an assignment.
type Failure struct {
	ChainID    int
	Generation uint64
	EntryID    uuid.UUID
	Passage    passages.Passage
	Err        error
}

// Config is shared by every chain in a pool.
type Config struct {
	// OutputRate is the mixer rate every source is resampled to.
	OutputRate int
	// Capacity, Headroom and ResumeHysteresis size each ring buffer in frames.
	Capacity         int
	Headroom         int
	ResumeHysteresis int
	// MinimumBuffer is read on every assignment so it can change at runtime.
	MinimumBuffer func() time.Duration
	Open          decode.Opener
	// ChunkFrames is how many source frames are decoded per unit of work.
	ChunkFrames int
	// PollInterval is how often a paused chain checks for room.
	PollInterval time.Duration

	OnThreshold func(Threshold)
	OnFailure   func(Failure)
	Logger      *log.Logger
}

func (c Config) withDefaults() Config {
	if c.OutputRate == 0 {
		c.OutputRate = 44100
	}
	if c.Capacity == 0 {
		c.Capacity = c.OutputRate * 15
	}
	if c.Headroom == 0 {
		c.Headroom = ringbuffer.DefaultHeadroom
	}
	if c.ResumeHysteresis == 0 {
		c.ResumeHysteresis = ringbuffer.DefaultResumeHysteresis
	}
	if c.MinimumBuffer == nil {
		c.MinimumBuffer = func() time.Duration { return 3 * time.Second }
	}
	if c.Open == nil {
		c.Open = decode.Open
	}
	if c.ChunkFrames <= 0 {
		c.ChunkFrames = 4096
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Millisecond
	}
	if c.OnThreshold == nil {
		c.OnThreshold = func(Threshold) {}
	}
	if c.OnFailure == nil {
		c.OnFailure = func(Failure) {}
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// assignment is one entry's tenure on a chain. Each assignment gets a new
// buffer header over one of the chain's two arenas, alternating by
// generation, so a reader still draining the previous assignment never
// shares memory with the new writer.
type assignment struct {
	gen  uint64
	job  Job
	buf  *ringbuffer.Buffer
	stop chan struct{}
	once sync.Once

	state      atomic.Int32
	sourceRate atomic.Int64
	endTicks   atomic.Int64
}

func (a *assignment) cancel() {
	a.once.Do(func() { close(a.stop) })
}

func (a *assignment) cancelled() bool {
	select {
	case <-a.stop:
		return true
	default:
		return false
	}
}

// Info is a snapshot of a chain for diagnostics.
type Info struct {
	ID         int
	State      State
	Generation uint64
	EntryID    uuid.UUID
	Assigned   bool
	SourceRate int
	Buffered   time.Duration
	Fill       int
	Written    uint64
	// DiscoveredEnd is the passage end found at end of file, zero until then.
	DiscoveredEnd timing.Ticks
}

// Chain decodes one assignment at a time on its own goroutine.
type Chain struct {
	id     int
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	gen     uint64
	active  *assignment
	pending *assignment
	// writing is the assignment the worker is decoding, nil between jobs.
	writing *assignment
	arenas  [2]*ringbuffer.Buffer
	bufCfg  ringbuffer.Config

	wake chan struct{}
}

// New creates an idle chain and allocates its buffers. Run must be called
// for it to do any work.
func New(id int, cfg Config) (*Chain, error) {
	cfg = cfg.withDefaults()
	c := &Chain{
		id:     id,
		cfg:    cfg,
		logger: cfg.Logger,
		wake:   make(chan struct{}, 1),
		bufCfg: ringbuffer.Config{
			Capacity:         cfg.Capacity,
			Channels:         audio.Channels,
			Headroom:         cfg.Headroom,
			ResumeHysteresis: cfg.ResumeHysteresis,
		},
	}
	for i := range c.arenas {
		buf, err := ringbuffer.New(c.bufCfg)
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", id, err)
		}
		c.arenas[i] = buf
	}
	return c, nil
}

// ID returns the chain identity.
func (c *Chain) ID() int { return c.id }

// Start assigns job, cancelling anything the chain was doing. It returns the
// new ring buffer and generation without waiting for the worker. Start does
// not allocate audio storage unless the worker is still writing into the
// arena it would reuse.
func (c *Chain) Start(job Job) (*ringbuffer.Buffer, uint64) {
	c.mu.Lock()
	if c.active != nil {
		c.active.cancel()
	}
	c.gen++
	slot := c.gen % 2
	if w := c.writing; w != nil && w.gen%2 == slot {
		// Two starts outran the worker, which may still write one chunk
		// into this arena. Leave it to that writer.
		if fresh, err := ringbuffer.New(c.bufCfg); err == nil {
			c.arenas[slot] = fresh
		}
	}
	buf := c.arenas[slot].Renew()
	c.arenas[slot] = buf
	a := &assignment{gen: c.gen, job: job, buf: buf, stop: make(chan struct{})}
	a.state.Store(int32(StateDecoding))
	c.active = a
	c.pending = a
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return buf, a.gen
}

// Stop cancels the current assignment and returns the chain to Idle. The
// worker may finish its current chunk but writes nothing more.
func (c *Chain) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.active.cancel()
	}
	c.active = nil
	c.pending = nil
}

// Info returns a snapshot of the chain.
func (c *Chain) Info() Info {
	c.mu.Lock()
	a := c.active
	gen := c.gen
	c.mu.Unlock()

	info := Info{ID: c.id, State: StateIdle, Generation: gen}
	if a == nil {
		return info
	}
	info.State = State(a.state.Load())
	info.EntryID = a.job.EntryID
	info.Assigned = true
	info.SourceRate = int(a.sourceRate.Load())
	info.Fill = a.buf.Fill()
	info.Written = a.buf.Written()
	info.Buffered = framesToDuration(int64(info.Fill), c.cfg.OutputRate)
	info.DiscoveredEnd = timing.Ticks(a.endTicks.Load())
	return info
}

// Run processes assignments until ctx is done.
func (c *Chain) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			a := c.pending
			c.pending = nil
			c.writing = a
			c.mu.Unlock()
			if a == nil {
				break
			}
			c.decode(ctx, a)
			c.mu.Lock()
			c.writing = nil
			c.mu.Unlock()
		}
	}
}

func framesToDuration(frames int64, rate int) time.Duration {
	t, err := timing.FromSamples(frames, rate)
	if err != nil {
		return time.Duration(frames) * time.Second / time.Duration(rate)
	}
	return t.Duration()
}

func (c *Chain) fail(a *assignment, err error) {
	if a.cancelled() {
		return
	}
	a.state.Store(int32(StateIdle))
	c.logger.Warn("decode failed", "chain", c.id, "entry", a.job.EntryID, "file", a.job.Passage.File, "err", err)
	c.cfg.OnFailure(Failure{
		ChainID:    c.id,
		Generation: a.gen,
		EntryID:    a.job.EntryID,
		Passage:    a.job.Passage,
		Err:        err,
	})
}

// decode runs one assignment to completion, cancellation or failure.
func (c *Chain) decode(ctx context.Context, a *assignment) {
	if a.cancelled() {
		return
	}
	p := a.job.Passage
	src, err := c.cfg.Open(p.File)
	if err != nil {
		c.fail(a, err)
		return
	}
	defer src.Close()

	rate := src.SampleRate()
	channels := src.Channels()
	a.sourceRate.Store(int64(rate))
	if channels <= 0 {
		c.fail(a, fmt.Errorf("source reports %d channels", channels))
		return
	}

	startFrame, err := p.Timing.Start.Samples(rate)
	if err != nil {
		c.fail(a, err)
		return
	}
	endFrame := int64(-1)
	if !p.Timing.OpenEnded() {
		if endFrame, err = p.Timing.End.Samples(rate); err != nil {
			c.fail(a, err)
			return
		}
	}

	minFrames := int64(c.cfg.MinimumBuffer()) * int64(c.cfg.OutputRate) / int64(time.Second)
	c.logger.Debug("decode started", "chain", c.id, "entry", a.job.EntryID,
		"file", p.File, "source_rate", rate, "channels", channels, "output_rate", c.cfg.OutputRate)

	rs := resample.New(rate, c.cfg.OutputRate, audio.Channels)
	raw := make([]int32, c.cfg.ChunkFrames*channels)
	stereo := make([]int32, c.cfg.ChunkFrames*audio.Channels)
	out := make([]int32, rs.MaxOutputSamples(len(stereo))+64*audio.Channels)

	thresholdSent := false
	threshold := func() {
		if thresholdSent || a.cancelled() {
			return
		}
		thresholdSent = true
		if State(a.state.Load()) == StateDecoding {
			a.state.Store(int32(StateReady))
		}
		c.logger.Debug("buffer threshold reached", "chain", c.id, "entry", a.job.EntryID,
			"buffered_frames", a.buf.Fill())
		c.cfg.OnThreshold(Threshold{
			ChainID:    c.id,
			Generation: a.gen,
			EntryID:    a.job.EntryID,
			Buffer:     a.buf,
			Buffered:   framesToDuration(int64(a.buf.Fill()), c.cfg.OutputRate),
			SourceRate: rate,
		})
	}

	// push writes samples to the ring buffer, pausing while it is full.
	push := func(samples []int32) bool {
		for len(samples) > 0 {
			if a.cancelled() || ctx.Err() != nil {
				return false
			}
			n := a.buf.Write(samples)
			samples = samples[n*audio.Channels:]
			if !thresholdSent && int64(a.buf.Written()) >= minFrames {
				threshold()
			}
			if a.buf.ShouldPause() || len(samples) > 0 {
				// A full buffer before the threshold means the threshold can
				// never be met with this capacity.
				threshold()
				if !c.waitForRoom(ctx, a) {
					return false
				}
			}
		}
		return true
	}

	var pos int64
	for {
		if a.cancelled() || ctx.Err() != nil {
			return
		}
		n, rerr := src.Read(raw)
		frames := int64(n / channels)
		if frames > 0 {
			lo := max(pos, startFrame)
			hi := pos + frames
			if endFrame >= 0 {
				hi = min(hi, endFrame)
			}
			if hi > lo {
				chunk := raw[(lo-pos)*int64(channels) : (hi-pos)*int64(channels)]
				sn := resample.ToStereo(chunk, channels, stereo)
				on := rs.Resample(stereo[:sn], out)
				if !push(out[:on]) {
					return
				}
			}
			pos += frames
		}

		reachedEnd := endFrame >= 0 && pos >= endFrame
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			c.fail(a, fmt.Errorf("decode %s: %w", p.File, rerr))
			return
		}
		if rerr != nil || reachedEnd {
			end := pos
			if reachedEnd {
				end = endFrame
			}
			if t, err := timing.FromSamples(end, rate); err == nil {
				a.endTicks.Store(int64(t))
			}
			if on := rs.Flush(out); on > 0 && !push(out[:on]) {
				return
			}
			break
		}
	}

	if a.cancelled() {
		return
	}
	a.buf.MarkComplete()
	threshold()
	a.state.Store(int32(StateDraining))
	c.logger.Debug("decode complete", "chain", c.id, "entry", a.job.EntryID,
		"frames", a.buf.Written(), "end", timing.Ticks(a.endTicks.Load()))
}

// waitForRoom blocks until the buffer can resume or the assignment ends.
func (c *Chain) waitForRoom(ctx context.Context, a *assignment) bool {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if a.buf.CanResume() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-a.stop:
			return false
		case <-ticker.C:
		}
	}
}
