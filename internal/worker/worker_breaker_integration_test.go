// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/taskctl/internal/breaker"
	"github.com/flyingrobots/taskctl/internal/queue"
	"github.com/flyingrobots/taskctl/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TestWorkerBreakerTripsAndPausesConsumption publishes jobs whose
// handler always fails, and checks that enough handler dispatch
// failures trip the worker's circuit breaker to Open, after which the
// worker stops draining the stream until the cooldown elapses.
func TestWorkerBreakerTripsAndPausesConsumption(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := store.NewV9Adapter(rdb)

	cfg := testConfig()
	cfg.Worker.Concurrency = 1
	cfg.Worker.Backoff.Base = 1 * time.Millisecond
	cfg.Worker.Backoff.Max = 2 * time.Millisecond
	cfg.Worker.BlockTimeout = 5 * time.Millisecond
	cfg.Worker.MaxConsecutiveErrs = 1000 // breaker, not consecutive-error backoff, should trip first
	cfg.Store.CircuitBreaker.Window = 20 * time.Millisecond
	cfg.Store.CircuitBreaker.CooldownPeriod = 100 * time.Millisecond
	cfg.Store.CircuitBreaker.FailureThreshold = 0.5
	cfg.Store.CircuitBreaker.MinSamples = 1

	d := NewDispatcher()
	d.Register(HandlerSpec{Kind: "fail", Fn: func(ctx context.Context, sess *Session, args map[string]interface{}) (json.RawMessage, error) {
		return nil, errors.New("forced failure")
	}})

	cb := breaker.New(cfg.Store.CircuitBreaker.Window, cfg.Store.CircuitBreaker.CooldownPeriod,
		cfg.Store.CircuitBreaker.FailureThreshold, cfg.Store.CircuitBreaker.MinSamples)
	log, _ := zap.NewDevelopment()
	w := New(cfg, s, d, cb, log)

	stream, group, _ := w.streamAndGroup()
	ctx := context.Background()
	b := queue.NewBroker(s)
	if err := b.EnsureGroup(ctx, stream, group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := b.Publish(ctx, stream, queue.Job{Kind: "fail"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.Run(runCtx) }()

	deadline := time.Now().Add(2 * time.Second)
	opened := false
	for time.Now().Before(deadline) {
		if cb.State() == breaker.Open {
			opened = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !opened {
		cancel()
		<-done
		t.Fatalf("breaker did not open under failures")
	}

	n1, _ := b.Len(context.Background(), stream)
	time.Sleep(50 * time.Millisecond) // less than cooldown
	n2, _ := b.Len(context.Background(), stream)
	if n2 < n1 {
		cancel()
		<-done
		t.Fatalf("stream drained during breaker open: before=%d after=%d", n1, n2)
	}

	cancel()
	<-done
}
