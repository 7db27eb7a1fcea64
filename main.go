// ABOUTME: Entry point for the playout player
// ABOUTME: Parses CLI flags and runs the engine, diagnostics server and monitor
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/playout/internal/discovery"
	"github.com/Resonate-Protocol/playout/internal/engine"
	"github.com/Resonate-Protocol/playout/internal/passages"
	"github.com/Resonate-Protocol/playout/internal/server"
	"github.com/Resonate-Protocol/playout/internal/settings"
	"github.com/Resonate-Protocol/playout/internal/telemetry"
	"github.com/Resonate-Protocol/playout/internal/ui"
	"github.com/Resonate-Protocol/playout/internal/version"
	"github.com/Resonate-Protocol/playout/pkg/audio/decode"
	"github.com/Resonate-Protocol/playout/pkg/audio/output"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

var (
	settingsPath = flag.String("settings", "", "YAML settings file (hot reloaded)")
	catalogPath  = flag.String("catalog", "", "YAML passage catalog; every passage is queued in order")
	port         = flag.Int("port", 8928, "Diagnostics HTTP port")
	name         = flag.String("name", "", "Player friendly name (default: hostname-playout)")
	noTUI        = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	noAudio      = flag.Bool("no-audio", false, "Discard audio through a clocked null output")
	noMDNS       = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	mqttBroker   = flag.String("mqtt", "", "MQTT broker (host:port) for event telemetry")
	mqttTopic    = flag.String("mqtt-topic", "playout/events", "MQTT topic prefix")
	logFile      = flag.String("log-file", "playout.log", "Log file path")
	debug        = flag.Bool("debug", false, "Enable debug logging")
	strict       = flag.Bool("strict", false, "Stop on the first watchdog intervention")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [file|tone:<hz>:<ms> ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "playout: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	useTUI := !*noTUI

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	// TUI mode logs only to the file
	var w io.Writer = f
	if !useTUI {
		w = io.MultiWriter(os.Stderr, f)
	}
	logger := log.NewWithOptions(w, log.Options{ReportTimestamp: true, TimeFormat: time.TimeOnly})
	if *debug {
		logger.SetLevel(log.DebugLevel)
	}

	playerName := *name
	if playerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		playerName = fmt.Sprintf("%s-playout", hostname)
	}
	logger.Info("starting", "name", playerName, "version", version.String())

	store, err := settings.Load(*settingsPath, logger.WithPrefix("settings"))
	if err != nil {
		return err
	}
	s := store.Get()

	catalog := passages.NewCatalog()
	if *catalogPath != "" {
		if catalog, err = passages.LoadCatalog(*catalogPath); err != nil {
			return err
		}
	}

	eng, err := engine.New(engine.Config{
		Settings: store,
		Open:     decode.Open,
		Passages: catalog,
		Grouping: catalog,
		Strict:   *strict,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := enqueueAll(ctx, eng, catalog, s, logger); err != nil {
		return err
	}

	var dev output.Output
	if *noAudio {
		dev = output.NewNull(10*time.Millisecond, 1)
	} else {
		dev = output.NewOto(100 * time.Millisecond)
	}
	if err := dev.Open(eng.SampleRate(), 2, eng.Output()); err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer func() { _ = dev.Close() }()

	if !*noMDNS {
		disc := discovery.NewManager(discovery.Config{
			ServiceName: playerName,
			Port:        *port,
			Version:     version.Version,
			SampleRate:  eng.SampleRate(),
			Logger:      logger,
		})
		if err := disc.Advertise(); err != nil {
			logger.Warn("mDNS advertisement failed", "err", err)
		}
		defer disc.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return store.Watch(ctx, time.Second) })

	srv := server.New(server.Config{Port: *port, Name: playerName, Logger: logger}, eng)
	g.Go(func() error { return srv.Run(ctx) })

	if *mqttBroker != "" {
		pub, err := telemetry.Connect(telemetry.MQTTConfig{
			Broker:   *mqttBroker,
			ClientID: playerName,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("MQTT telemetry disabled", "err", err)
		} else {
			defer pub.Close()
			em := telemetry.NewEmitter(eng.Bus(), pub, telemetry.Config{Topic: *mqttTopic, Logger: logger})
			g.Go(func() error { return em.Run(ctx) })
		}
	}

	if useTUI {
		g.Go(func() error {
			err := ui.Run(ctx, eng, playerName)
			// Quitting the monitor stops the player
			stop()
			return err
		})
	}

	err = g.Wait()
	logger.Info("stopped", "interventions", eng.Interventions())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// enqueueAll queues the catalog in order, then every file named on the
// command line.
func enqueueAll(ctx context.Context, eng *engine.Engine, catalog *passages.Catalog, s settings.Settings, logger *log.Logger) error {
	for _, id := range catalog.IDs() {
		if _, err := eng.EnqueuePassage(ctx, id); err != nil {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
	}

	fadeIn, fadeOut := s.Curves()
	opts := passages.FileOptions{Crossfade: s.Crossfade(), FadeInCurve: fadeIn, FadeOutCurve: fadeOut}
	for _, path := range flag.Args() {
		p, err := passages.FilePassage(decode.Open, path, opts)
		if err != nil {
			logger.Warn("skipping file", "path", path, "err", err)
			continue
		}
		if err := catalog.Add(p); err != nil {
			logger.Warn("skipping file", "path", path, "err", err)
			continue
		}
		if _, err := eng.Enqueue(p); err != nil {
			return err
		}
	}
	return nil
}
