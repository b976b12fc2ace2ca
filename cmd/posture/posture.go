package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/posture.report/internal/capture"
	"github.com/banshee-data/posture.report/internal/config"
	"github.com/banshee-data/posture.report/internal/infer"
	"github.com/banshee-data/posture.report/internal/posture"
	"github.com/banshee-data/posture.report/internal/posture/dispatch"
	"github.com/banshee-data/posture.report/internal/posture/monitor"
	"github.com/banshee-data/posture.report/internal/posture/pipeline"
	"github.com/banshee-data/posture.report/internal/posture/storage/sqlite"
	"github.com/banshee-data/posture.report/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run in dev mode with a synthetic camera and inference engine")
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	device     = flag.Int("device", 0, "Camera device ID (ignored in dev mode)")
	preset     = flag.String("preset", "balanced", "Performance preset: battery, balanced or quality")
	dbFile     = flag.String("db", "posture_data.db", "Path to the SQLite tick database (empty disables recording)")
	tuningFile = flag.String("tuning", "", "Path to a tuning config JSON (default: built-in defaults)")
	retainDays = flag.Int("retain-days", 30, "Prune recorded ticks older than this many days on startup (0 disables)")
	logMode    = flag.String("log", "ops", "Log verbosity: ops, diag or trace")
)

// setupLogging routes the per-package logging streams according to -log.
// ops is always on; diag adds tuning context; trace adds per-frame telemetry.
func setupLogging(mode string) {
	var ops, diag, trace io.Writer = os.Stderr, nil, nil
	switch mode {
	case "ops":
	case "diag":
		diag = os.Stderr
	case "trace":
		diag, trace = os.Stderr, os.Stderr
	default:
		log.Fatalf("unknown log mode %q (want ops, diag or trace)", mode)
	}

	posture.SetLogWriters(ops, diag, trace)
	pipeline.SetLogWriters(ops, diag, trace)
	dispatch.SetLogWriters(ops, diag, trace)
	capture.SetLogWriters(ops, diag)
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	setupLogging(*logMode)
	log.Printf("posture %s", version.String())

	perf, err := posture.PresetByName(*preset)
	if err != nil {
		log.Fatalf("invalid preset: %v", err)
	}

	// Unset fields fall back to the built-in defaults, so an empty config
	// and a partial -tuning file are both fine.
	tuning := config.EmptyTuningConfig()
	if *tuningFile != "" {
		tuning, err = config.LoadTuningConfig(*tuningFile)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}

	var source capture.Source
	var engine infer.Engine
	if *devMode {
		log.Print("dev mode: using synthetic camera and inference engine")
		source = &capture.FakeSource{}
		engine = &infer.FakeEngine{Latency: 20 * time.Millisecond}
	} else {
		source = capture.NewWebcam()
		// Worker inference runs out of process; until a session is attached
		// the in-process fake stands in so the control loop stays exercisable.
		engine = &infer.FakeEngine{Latency: 20 * time.Millisecond}
	}

	var recorder *sqlite.Recorder
	var sink pipeline.TickSink
	if *dbFile != "" {
		recorder, err = sqlite.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open tick database: %v", err)
		}
		defer recorder.Close()

		if *retainDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -*retainDays)
			if pruned, err := recorder.PruneBefore(cutoff); err != nil {
				log.Printf("failed to prune old ticks: %v", err)
			} else if pruned > 0 {
				log.Printf("pruned %d ticks older than %s", pruned, cutoff.Format(time.DateOnly))
			}
		}

		sessionID, err := recorder.BeginSession(time.Now(), *preset, perf)
		if err != nil {
			log.Fatalf("Failed to begin recording session: %v", err)
		}
		log.Printf("recording ticks to %s (session %s)", *dbFile, sessionID)
		sink = recorder
	}

	p, err := pipeline.New(pipeline.Config{
		Tuning:      tuning,
		Performance: perf,
		Preset:      *preset,
		DeviceID:    *device,
		Source:      source,
		Engine:      engine,
		Sink:        sink,
	})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		log.Fatalf("failed to start pipeline: %v", err)
	}
	log.Printf("posture pipeline running (preset %s, device %d)", *preset, *device)

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address:  *listen,
			Pipeline: p,
			Recorder: recorder,
		})
		if err := ws.Start(ctx); err != nil {
			log.Printf("web server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutting down...")
	if err := p.Stop(); err != nil {
		log.Printf("pipeline stop error: %v", err)
	}
	wg.Wait()
}
