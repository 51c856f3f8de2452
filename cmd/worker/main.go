// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/taskctl/internal/archive"
	"github.com/flyingrobots/taskctl/internal/breaker"
	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/flyingrobots/taskctl/internal/obs"
	"github.com/flyingrobots/taskctl/internal/store"
	"github.com/flyingrobots/taskctl/internal/worker"
	"go.uber.org/zap"
)

var version = "dev"

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
	logger = obs.WithWorkerFields(logger, "", cfg.Worker.Class, cfg.Observability.DeploymentEnv, cfg.Observability.Region)

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

	cb := breaker.New(
		cfg.Store.CircuitBreaker.Window,
		cfg.Store.CircuitBreaker.CooldownPeriod,
		cfg.Store.CircuitBreaker.FailureThreshold,
		cfg.Store.CircuitBreaker.MinSamples,
	)

	dispatcher := worker.NewDispatcher()
	registerBuiltinHandlers(dispatcher)

	w := worker.New(cfg, resilient, dispatcher, cb, logger)

	archiveSink, err := archive.NewSink(&cfg.Archive, logger)
	if err != nil {
		logger.Fatal("failed to init archive sink", obs.Err(err))
	}
	go archiveSink.Run(ctx)
	defer func() { _ = archiveSink.Close() }()
	w.AttachArchiveSink(archiveSink)

	httpSrv := w.StartHTTP()
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartQueueLengthUpdater(ctx, cfg, resilient, logger)

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
		case <-time.After(cfg.Worker.ShutdownGrace):
		}
	}()

	logger.Info("worker starting", obs.String("class", cfg.Worker.Class), obs.Int("concurrency", cfg.Worker.Concurrency))
	if err := w.Run(ctx); err != nil {
		logger.Error("worker exited with error", obs.Err(err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

// registerBuiltinHandlers wires the capability handlers every worker
// class ships with regardless of what domain-specific handlers a
// deployment adds on top: "echo" and "sleep" are harness handlers used
// by smoke tests and the control plane's bench endpoint, which submits
// "bench" jobs and expects a reply on the job's ReplyStream.
func registerBuiltinHandlers(d *worker.Dispatcher) {
	d.Register(worker.HandlerSpec{
		Kind: "echo",
		Fn: func(ctx context.Context, session *worker.Session, args map[string]interface{}) (json.RawMessage, error) {
			return json.Marshal(args)
		},
	})

	d.Register(worker.HandlerSpec{
		Kind:     "sleep",
		ArgPaths: map[string]string{"seconds": "$.seconds"},
		Fn: func(ctx context.Context, session *worker.Session, args map[string]interface{}) (json.RawMessage, error) {
			seconds, _ := args["seconds"].(float64)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(seconds * float64(time.Second))):
			}
			return json.Marshal(map[string]string{"status": "done"})
		},
	})

	d.Register(worker.HandlerSpec{
		Kind: "bench",
		Fn: func(ctx context.Context, session *worker.Session, args map[string]interface{}) (json.RawMessage, error) {
			return json.Marshal(map[string]bool{"ok": true})
		},
	})
}
