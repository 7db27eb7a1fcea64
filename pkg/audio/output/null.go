// ABOUTME: Clocked null output for headless runs and verification
// ABOUTME: Pulls PCM at the device rate and discards it
package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Null pulls from its reader on a ticker as a sound card would and drops the
// data. Speed > 1 runs faster than real time.
type Null struct {
	period time.Duration
	speed  float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	frames atomic.Int64
	err    atomic.Pointer[error]
}

// NewNull creates a null output pulling every period at the given speed.
func NewNull(period time.Duration, speed float64) *Null {
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	if speed <= 0 {
		speed = 1
	}
	return &Null{period: period, speed: speed}
}

// Open starts the pull loop.
func (n *Null) Open(sampleRate, channels int, src io.Reader) error {
	if n.cancel != nil {
		return fmt.Errorf("null output already open")
	}
	framesPerTick := int(float64(sampleRate) * n.period.Seconds() * n.speed)
	if framesPerTick <= 0 {
		framesPerTick = 1
	}
	buf := make([]byte, framesPerTick*channels*2)
	bytesPerFrame := int64(channels * 2)

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(n.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				read, err := io.ReadFull(src, buf)
				n.frames.Add(int64(read) / bytesPerFrame)
				if err != nil && !errors.Is(err, io.EOF) {
					n.err.Store(&err)
					return
				}
			}
		}
	}()
	return nil
}

// Frames returns how many frames have been pulled.
func (n *Null) Frames() int64 { return n.frames.Load() }

// Err returns the read error that stopped the loop, if any.
func (n *Null) Err() error {
	if p := n.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close stops the pull loop.
func (n *Null) Close() error {
	if n.cancel != nil {
		n.cancel()
		n.wg.Wait()
		n.cancel = nil
	}
	return nil
}
