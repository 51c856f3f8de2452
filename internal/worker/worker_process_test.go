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
	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/flyingrobots/taskctl/internal/queue"
	"github.com/flyingrobots/taskctl/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupWorkerTest(t *testing.T, handler HandlerFunc) (*Worker, *config.Config, store.Commands, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := testConfig()
	cfg.Worker.Backoff.Base = 1 * time.Millisecond
	cfg.Worker.Backoff.Max = 2 * time.Millisecond
	cfg.Worker.MaxRetries = 1

	s := store.NewV9Adapter(rdb)
	d := NewDispatcher()
	d.Register(HandlerSpec{Kind: "echo", Fn: handler})
	cb := breaker.New(time.Minute, time.Second, 0.9, 100)
	log, _ := zap.NewDevelopment()
	w := New(cfg, s, d, cb, log)
	cleanup := func() { mr.Close(); rdb.Close() }
	return w, cfg, s, cleanup
}

func testConfig() *config.Config {
	cfg, _ := config.Load("nonexistent.yaml")
	return cfg
}

func TestProcessDeliverySuccess(t *testing.T) {
	w, cfg, s, cleanup := setupWorkerTest(t, func(ctx context.Context, sess *Session, args map[string]interface{}) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	defer cleanup()

	stream, group, deadStream := w.streamAndGroup()
	ctx := context.Background()
	b := queue.NewBroker(s)
	if err := b.EnsureGroup(ctx, stream, group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := b.Publish(ctx, stream, queue.Job{Kind: "echo"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deliveries, err := b.Consume(ctx, stream, group, "w1", 1, cfg.Worker.BlockTimeout)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("consume: %v deliveries=%d", err, len(deliveries))
	}

	w.processDelivery(ctx, "w1", stream, group, deadStream, deliveries[0])

	processed, failed := w.countersFor("w1")
	if processed != 1 || failed != 0 {
		t.Fatalf("expected 1 processed 0 failed, got %d/%d", processed, failed)
	}
}

func TestProcessDeliveryRetryThenDeadLetter(t *testing.T) {
	w, cfg, s, cleanup := setupWorkerTest(t, func(ctx context.Context, sess *Session, args map[string]interface{}) (json.RawMessage, error) {
		return nil, errors.New("handler exploded")
	})
	defer cleanup()

	stream, group, deadStream := w.streamAndGroup()
	ctx := context.Background()
	b := queue.NewBroker(s)
	if err := b.EnsureGroup(ctx, stream, group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := b.Publish(ctx, stream, queue.Job{Kind: "echo"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deliveries, err := b.Consume(ctx, stream, group, "w1", 1, cfg.Worker.BlockTimeout)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("consume: %v deliveries=%d", err, len(deliveries))
	}
	w.processDelivery(ctx, "w1", stream, group, deadStream, deliveries[0])
	time.Sleep(20 * time.Millisecond) // let the async retry republish land

	redelivered, err := b.Consume(ctx, stream, group, "w1", 1, cfg.Worker.BlockTimeout)
	if err != nil || len(redelivered) != 1 || redelivered[0].Job.RetryCount != 1 {
		t.Fatalf("expected one redelivery with retry_count=1, got %+v err=%v", redelivered, err)
	}

	w.processDelivery(ctx, "w1", stream, group, deadStream, redelivered[0])

	n, err := b.Len(ctx, deadStream)
	if err != nil || n != 1 {
		t.Fatalf("expected dead letter stream length 1, got %d err=%v", n, err)
	}
}
