// ABOUTME: Oto-based audio output implementation
// ABOUTME: Plays a pull-based PCM reader through the platform audio device
package output

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
)

// Oto output implementation using oto library
type Oto struct {
	otoCtx     *oto.Context
	player     *oto.Player
	sampleRate int
	channels   int
	bufferSize time.Duration
}

// NewOto creates a new Oto output. bufferSize is the device buffer; zero
// lets oto choose.
func NewOto(bufferSize time.Duration) *Oto {
	return &Oto{bufferSize: bufferSize}
}

// Open initializes the output device and starts pulling from src
func (o *Oto) Open(sampleRate, channels int, src io.Reader) error {
	// oto allows one context per process
	if o.otoCtx != nil {
		return fmt.Errorf("oto output already open at %dHz %dch", o.sampleRate, o.channels)
	}

	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   o.bufferSize,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	o.otoCtx = ctx
	o.sampleRate = sampleRate
	o.channels = channels

	o.player = o.otoCtx.NewPlayer(src)
	o.player.Play()

	log.Info("Audio output initialized", "rate", sampleRate, "channels", channels)
	return nil
}

// Close releases output resources
func (o *Oto) Close() error {
	if o.player != nil {
		if err := o.player.Close(); err != nil {
			log.Warn("Closing oto player", "err", err)
		}
		o.player = nil
	}
	if o.otoCtx != nil {
		if err := o.otoCtx.Suspend(); err != nil {
			return fmt.Errorf("failed to suspend oto context: %w", err)
		}
	}
	return nil
}
