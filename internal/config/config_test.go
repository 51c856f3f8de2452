// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("WORKER_CLASS")
	os.Unsetenv("STORE_URL")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Fatalf("expected default worker concurrency 4, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Store.Primary.Addr == "" {
		t.Fatalf("expected default store addr")
	}
	if cfg.Scaling.Orchestrator != "container" {
		t.Fatalf("expected default orchestrator container, got %q", cfg.Scaling.Orchestrator)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	os.Setenv("STORE_URL", "redis.internal:6379")
	os.Setenv("WORKER_CLASS", "gpu")
	os.Setenv("WORKER_CONCURRENCY", "8")
	defer func() {
		os.Unsetenv("STORE_URL")
		os.Unsetenv("WORKER_CLASS")
		os.Unsetenv("WORKER_CONCURRENCY")
	}()

	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Primary.Addr != "redis.internal:6379" {
		t.Fatalf("expected STORE_URL override, got %q", cfg.Store.Primary.Addr)
	}
	if cfg.Worker.Class != "gpu" {
		t.Fatalf("expected WORKER_CLASS override, got %q", cfg.Worker.Class)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Fatalf("expected WORKER_CONCURRENCY override, got %d", cfg.Worker.Concurrency)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker.concurrency < 1")
	}

	cfg = defaultConfig()
	cfg.Worker.HeartbeatInterval = 500 * time.Millisecond
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for heartbeat_interval < 1s")
	}

	cfg = defaultConfig()
	cfg.Worker.BlockTimeout = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for block_timeout <= 0")
	}

	cfg = defaultConfig()
	cfg.Scaling.Orchestrator = "bogus"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown orchestrator")
	}

	cfg = defaultConfig()
	cfg.Scaling.Classes = map[string]WorkerClassConfig{
		"cpu": {MinReplicas: 2, MaxReplicas: 1, QueueName: "cpu:jobs"},
	}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_replicas < min_replicas")
	}
}

func TestClassStreamNames(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.ClassJobsStream("gpu"); got != "gpu:jobs" {
		t.Fatalf("unexpected jobs stream name: %s", got)
	}
	if got := cfg.ClassDeadStream("gpu"); got != "gpu:dead" {
		t.Fatalf("unexpected dead stream name: %s", got)
	}
	if got := cfg.HeartbeatKey("worker-1"); got != "worker:heartbeat:worker-1" {
		t.Fatalf("unexpected heartbeat key: %s", got)
	}
}
