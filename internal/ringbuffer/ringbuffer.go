// ABOUTME: Lock-free single-producer single-consumer PCM frame buffer
// ABOUTME: Fixed arena with monotonic cursors, headroom and resume hysteresis
package ringbuffer

import (
	"fmt"
	"sync/atomic"
)

const (
	// DefaultHeadroom is the free space, in frames, kept in reserve so the
	// decoder stops before the arena is completely full.
	DefaultHeadroom = 4410
	// DefaultResumeHysteresis is how far below the pause point the fill must
	// fall before decoding resumes.
	DefaultResumeHysteresis = 44100
)

// Config sizes a Buffer. All values are in frames.
type Config struct {
	Capacity         int
	Channels         int
	Headroom         int
	ResumeHysteresis int
}

// Buffer holds interleaved int32 frames. Exactly one goroutine may call the
// writer methods (Write, MarkComplete, MarkReady) and exactly one may call
// Read. The cursors only ever increase; the arena index is cursor % capacity.
type Buffer struct {
	data             []int32
	capacity         uint64
	channels         int
	headroom         uint64
	resumeHysteresis uint64

	write atomic.Uint64
	read  atomic.Uint64

	complete atomic.Bool
	ready    atomic.Bool
}

// New allocates the arena. Headroom and hysteresis are clamped so that the
// resume point always lies strictly below the pause point.
func New(cfg Config) (*Buffer, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("ring buffer capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.Headroom < 0 || cfg.Headroom >= cfg.Capacity {
		return nil, fmt.Errorf("headroom %d must be in [0, %d)", cfg.Headroom, cfg.Capacity)
	}
	if cfg.ResumeHysteresis <= 0 {
		cfg.ResumeHysteresis = 1
	}
	if max := cfg.Capacity - cfg.Headroom; cfg.ResumeHysteresis > max {
		cfg.ResumeHysteresis = max
	}

	return &Buffer{
		data:             make([]int32, cfg.Capacity*cfg.Channels),
		capacity:         uint64(cfg.Capacity),
		channels:         cfg.Channels,
		headroom:         uint64(cfg.Headroom),
		resumeHysteresis: uint64(cfg.ResumeHysteresis),
	}, nil
}

// Renew returns an empty Buffer over b's arena with the same sizing. b must
// no longer be written or read once the new Buffer is in use.
func (b *Buffer) Renew() *Buffer {
	return &Buffer{
		data:             b.data,
		capacity:         b.capacity,
		channels:         b.channels,
		headroom:         b.headroom,
		resumeHysteresis: b.resumeHysteresis,
	}
}

// Capacity returns the arena size in frames.
func (b *Buffer) Capacity() int { return int(b.capacity) }

// Channels returns the interleave width.
func (b *Buffer) Channels() int { return b.channels }

// Fill returns the number of frames written but not yet read.
func (b *Buffer) Fill() int {
	r := b.read.Load()
	w := b.write.Load()
	return int(w - r)
}

// Free returns the number of frames that can be written.
func (b *Buffer) Free() int {
	return int(b.capacity) - b.Fill()
}

// Written returns the total frames ever written.
func (b *Buffer) Written() uint64 { return b.write.Load() }

// Consumed returns the total frames ever read.
func (b *Buffer) Consumed() uint64 { return b.read.Load() }

// ShouldPause reports whether the writer has reached capacity minus headroom.
func (b *Buffer) ShouldPause() bool {
	return uint64(b.Free()) <= b.headroom
}

// CanResume reports whether the fill has dropped far enough below the pause
// point for the writer to continue.
func (b *Buffer) CanResume() bool {
	return uint64(b.Free()) >= b.headroom+b.resumeHysteresis
}

// Write appends as many whole frames from src as fit and returns the number
// of frames written. It never overwrites unread data.
func (b *Buffer) Write(src []int32) int {
	frames := uint64(len(src) / b.channels)
	w := b.write.Load()
	r := b.read.Load()
	free := b.capacity - (w - r)
	if frames > free {
		frames = free
	}
	if frames == 0 {
		return 0
	}

	start := w % b.capacity
	first := frames
	if start+first > b.capacity {
		first = b.capacity - start
	}
	ch := uint64(b.channels)
	copy(b.data[start*ch:(start+first)*ch], src[:first*ch])
	if rest := frames - first; rest > 0 {
		copy(b.data[:rest*ch], src[first*ch:frames*ch])
	}

	b.write.Store(w + frames)
	return int(frames)
}

// Read copies up to len(dst)/channels frames into dst and returns the frame
// count. It never reads past the write cursor.
func (b *Buffer) Read(dst []int32) int {
	frames := uint64(len(dst) / b.channels)
	r := b.read.Load()
	w := b.write.Load()
	if avail := w - r; frames > avail {
		frames = avail
	}
	if frames == 0 {
		return 0
	}

	start := r % b.capacity
	first := frames
	if start+first > b.capacity {
		first = b.capacity - start
	}
	ch := uint64(b.channels)
	copy(dst[:first*ch], b.data[start*ch:(start+first)*ch])
	if rest := frames - first; rest > 0 {
		copy(dst[first*ch:frames*ch], b.data[:rest*ch])
	}

	b.read.Store(r + frames)
	return int(frames)
}

// Discard drops up to frames unread frames without copying them and returns
// how many were dropped. It is a reader method.
func (b *Buffer) Discard(frames int) int {
	if frames <= 0 {
		return 0
	}
	r := b.read.Load()
	n := min(uint64(frames), b.write.Load()-r)
	b.read.Store(r + n)
	return int(n)
}

// MarkComplete records that the writer will append nothing further.
func (b *Buffer) MarkComplete() { b.complete.Store(true) }

// Complete reports whether the writer has finished.
func (b *Buffer) Complete() bool { return b.complete.Load() }

// Exhausted reports whether the writer finished and every frame was read.
func (b *Buffer) Exhausted() bool {
	return b.complete.Load() && b.Fill() == 0
}

// MarkReady records that the minimum playback fill was reached.
func (b *Buffer) MarkReady() { b.ready.Store(true) }

// Ready reports whether MarkReady has been called.
func (b *Buffer) Ready() bool { return b.ready.Load() }
