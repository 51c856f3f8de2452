// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/taskctl/internal/store"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*Broker, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	b := NewBroker(store.NewV9Adapter(rdb))
	return b, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestPublishConsumeAck(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	const stream, group = "cpu:jobs", "cpu-workers"
	require.NoError(t, b.EnsureGroup(ctx, stream, group))

	id, err := b.Publish(ctx, stream, Job{Kind: "resize", Payload: json.RawMessage(`{"w":100}`)})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	deliveries, err := b.Consume(ctx, stream, group, "worker-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, "resize", deliveries[0].Job.Kind)

	require.NoError(t, b.Ack(ctx, stream, group, deliveries[0].EntryID))

	// Acking again is a harmless no-op (idempotent per spec's at-least-once model).
	require.NoError(t, b.Ack(ctx, stream, group, deliveries[0].EntryID))
}

func TestReclaimPicksUpStalledDelivery(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	const stream, group = "cpu:jobs", "cpu-workers"
	require.NoError(t, b.EnsureGroup(ctx, stream, group))
	_, err := b.Publish(ctx, stream, Job{Kind: "resize"})
	require.NoError(t, err)

	// worker-1 reads but never acks (simulating a crash).
	_, err = b.Consume(ctx, stream, group, "worker-1", 10, 100*time.Millisecond)
	require.NoError(t, err)

	reclaimed, err := b.Reclaim(ctx, stream, group, "worker-2", 0, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, "resize", reclaimed[0].Job.Kind)
}

func TestDeadLetterAndRedeliver(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	const jobsStream, deadStream, group = "cpu:jobs", "cpu:dead", "cpu-workers"
	require.NoError(t, b.EnsureGroup(ctx, jobsStream, group))

	_, err := b.Publish(ctx, jobsStream, Job{Kind: "resize", RetryCount: 3})
	require.NoError(t, err)
	deliveries, err := b.Consume(ctx, jobsStream, group, "worker-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, b.DeadLetter(ctx, jobsStream, deadStream, group, deliveries[0].EntryID, deliveries[0].Job, "handler panicked"))

	n, err := b.Len(ctx, deadStream)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// manual reprocessing resets retry_count
	newID, err := b.Redeliver(ctx, jobsStream, deliveries[0].Job, true)
	require.NoError(t, err)
	require.NotEmpty(t, newID)

	redelivered, err := b.Consume(ctx, jobsStream, group, "worker-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	require.Equal(t, 0, redelivered[0].Job.RetryCount)
}

func TestConsumeAcksMalformedEntry(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	const stream, group = "cpu:jobs", "cpu-workers"
	require.NoError(t, b.EnsureGroup(ctx, stream, group))

	// A raw entry missing "kind" cannot decode into a Job.
	_, err := b.store.XAdd(ctx, stream, map[string]interface{}{"id": "bad-1"}, 0)
	require.NoError(t, err)

	deliveries, err := b.Consume(ctx, stream, group, "worker-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, deliveries)

	summary, err := b.store.XPendingSummary(ctx, stream, group)
	require.NoError(t, err)
	require.Equal(t, int64(0), summary.Count, "malformed entry should be acked, not left pending")
}

func TestReply(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, b.Reply(ctx, Result{JobID: "j1", Status: StatusOK, WorkerID: "w1", FinishedAt: time.Now()}, "reply:j1"))
	n, err := b.Len(ctx, "reply:j1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// empty reply stream is a no-op, not an error
	require.NoError(t, b.Reply(ctx, Result{JobID: "j2"}, ""))
}
