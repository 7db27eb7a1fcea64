// ABOUTME: Verification run for the playback engine
// ABOUTME: Plays a scripted tone queue with a strict watchdog and fails on any intervention
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Resonate-Protocol/playout/internal/engine"
	"github.com/Resonate-Protocol/playout/internal/events"
	"github.com/Resonate-Protocol/playout/internal/passages"
	"github.com/Resonate-Protocol/playout/internal/settings"
	"github.com/Resonate-Protocol/playout/pkg/audio/decode"
	"github.com/Resonate-Protocol/playout/pkg/audio/output"
	"github.com/Resonate-Protocol/playout/pkg/timing"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	count     = flag.Int("count", 8, "Number of tone passages")
	lengthMs  = flag.Int64("length-ms", 2000, "Length of each passage")
	fadeMs    = flag.Int64("crossfade-ms", 300, "Crossfade between passages")
	removeNth = flag.Int("remove-every", 4, "Remove every nth passage once playback starts (0 disables)")
	streams   = flag.Int("streams", 3, "Maximum decode streams")
	minBuffer = flag.Int("min-buffer-ms", 500, "Minimum playback buffer")
	interval  = flag.Int("watchdog-ms", 20, "Watchdog interval")
	speed     = flag.Float64("speed", 8, "Output clock speed relative to real time")
	timeout   = flag.Duration("timeout", 2*time.Minute, "Give up after this long")
	debug     = flag.Bool("debug", false, "Enable debug logging")
)

// toneRates cycles source rates so every run exercises the resampler.
var toneRates = []int{44100, 48000, 22050, 96000}

func main() {
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, TimeFormat: time.TimeOnly})
	if *debug {
		logger.SetLevel(log.DebugLevel)
	}

	if err := run(logger); err != nil {
		logger.Error("verification failed", "err", err)
		os.Exit(1)
	}
	logger.Info("verification passed")
}

func run(logger *log.Logger) error {
	s := settings.Defaults()
	s.MaximumDecodeStreams = *streams
	s.MinimumPlaybackBufferMs = *minBuffer
	s.WatchdogIntervalMs = *interval
	store := settings.Static(s)

	eng, err := engine.New(engine.Config{
		Settings: store,
		Open:     decode.Open,
		Strict:   true,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sub := make(chan events.Event, 4096)
	if err := eng.Bus().Subscribe("verify", sub); err != nil {
		return err
	}

	var entries []uuid.UUID
	for i := 0; i < *count; i++ {
		rate := toneRates[i%len(toneRates)]
		p := passages.Passage{
			ID:     uuid.New(),
			File:   decode.TonePath(220*float64(i+1), *lengthMs, rate),
			Title:  fmt.Sprintf("tone %d", i+1),
			Timing: timing.WithCrossfade(0, timing.FromMillis(*lengthMs), timing.FromMillis(*fadeMs)),
		}
		id, err := eng.Enqueue(p)
		if err != nil {
			return err
		}
		entries = append(entries, id)
	}

	removals := make(map[uuid.UUID]bool)
	if *removeNth > 0 {
		for i := *removeNth - 1; i < len(entries); i += *removeNth {
			// The first passage is never removed so playback can start.
			if i > 0 {
				removals[entries[i]] = true
			}
		}
	}
	want := len(entries) - len(removals)

	out := output.NewNull(5*time.Millisecond, *speed)
	if err := out.Open(eng.SampleRate(), 2, eng.Output()); err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	completed := 0
	removed := false
	var failure error
loop:
	for completed < want {
		select {
		case <-gctx.Done():
			failure = fmt.Errorf("stopped after %d of %d passages: %w", completed, want, context.Cause(gctx))
			break loop
		case ev := <-sub:
			switch ev := ev.(type) {
			case events.PassageStarted:
				logger.Info("started", "title", ev.Title, "entry", ev.EntryID)
				if !removed {
					removed = true
					for id := range removals {
						if err := eng.Remove(id); err != nil {
							failure = fmt.Errorf("remove %s: %w", id, err)
							break loop
						}
					}
				}
			case events.PassageCompleted:
				if removals[ev.EntryID] {
					continue
				}
				if !ev.Completed {
					failure = fmt.Errorf("passage %s stopped early after %s", ev.EntryID, ev.Played)
					break loop
				}
				completed++
			case events.DecodeFailed:
				failure = fmt.Errorf("decode failed for %s: %s", ev.File, ev.Error)
				break loop
			case events.WatchdogIntervention:
				logger.Warn("watchdog intervention", "type", ev.Kind, "entry", ev.EntryID)
			}
		}
	}

	cancel()
	runErr := g.Wait()
	st := eng.Status()
	logger.Info("summary",
		"completed", completed,
		"removed", len(removals),
		"interventions", eng.Interventions(),
		"underrun_frames", st.Mixer.UnderrunFrames,
		"events_dropped", st.Events.Dropped)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if failure != nil {
		return failure
	}
	if n := eng.Interventions(); n > 0 {
		return fmt.Errorf("%d watchdog interventions", n)
	}
	return nil
}
