// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/flyingrobots/taskctl/internal/archive"
	"github.com/flyingrobots/taskctl/internal/breaker"
	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/flyingrobots/taskctl/internal/obs"
	"github.com/flyingrobots/taskctl/internal/orchestrator"
	"github.com/flyingrobots/taskctl/internal/scaling"
	"github.com/flyingrobots/taskctl/internal/scaling/backends"
	"github.com/flyingrobots/taskctl/internal/store"
	"go.uber.org/zap"
)

var version = "dev"

// deadLetterSweepSchedule is the cron spec the control plane uses to
// redeliver dead-lettered jobs automatically; operators who want a
// different cadence restart with a different binary build for now,
// since no per-deployment override has been requested of this surface.
const deadLetterSweepSchedule = "*/5 * * * *"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	primary := store.NewPrimary(cfg)
	defer primary.Close()
	var secondary store.Commands
	if cfg.Store.FallbackEnabled {
		secondaryClient := store.NewSecondary(cfg)
		defer secondaryClient.Close()
		secondary = store.NewV8Adapter(secondaryClient)
	}

	onEvent := func(kind, detail string) {
		logger.Info("store event", obs.String("kind", kind), obs.String("detail", detail))
	}
	resilient := store.NewResilient(cfg, store.NewV9Adapter(primary), secondary, logger, onEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resilient.Start(ctx)

	backend, err := backends.New(cfg)
	if err != nil {
		logger.Fatal("failed to build scaling backend", obs.Err(err))
	}

	cmds := orchestrator.NewCommands(cfg, resilient, backend)

	httpSrv := obs.StartHTTPServer(cfg, func(c context.Context) error { return resilient.Ping(c) }, nil)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	orchSrv := orchestrator.NewServer(cfg, cmds)
	orchSrv.Start()
	defer func() { _ = orchSrv.Close() }()

	classes := make([]string, 0, len(cfg.Scaling.Classes))
	for class := range cfg.Scaling.Classes {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	sweep := orchestrator.NewReprocessSchedule(cmds, logger, classes, 100)
	if _, err := sweep.Start(deadLetterSweepSchedule); err != nil {
		logger.Warn("dead letter sweep not started", obs.Err(err))
	}
	defer func() { <-sweep.Stop().Done() }()

	archiveSink, err := archive.NewSink(&cfg.Archive, logger)
	if err != nil {
		logger.Fatal("failed to init archive sink", obs.Err(err))
	}
	go archiveSink.Run(ctx)
	defer func() { _ = archiveSink.Close() }()

	eventSink, err := scaling.NewEventSink(cfg, logger)
	if err != nil {
		logger.Fatal("failed to init scaling event sink", obs.Err(err))
	}
	defer eventSink.Close()
	eventSink.AttachRecorder(archiveSink.RecordScalingEvent)

	svc := scaling.NewService(cfg, resilient, backend, logger)
	healthy := func() bool { return resilient.BreakerState() != breaker.Open }
	loop := scaling.NewLoop(cfg, svc, eventSink, logger, healthy)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	logger.Info("control plane starting",
		obs.String("orchestrator", cfg.Scaling.Orchestrator),
		obs.Int("classes", len(cfg.Scaling.Classes)))
	loop.Run(ctx)
	logger.Info("control plane stopped")
}
