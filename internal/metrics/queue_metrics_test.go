// Copyright 2025 James Ross
package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/taskctl/internal/queue"
	"github.com/flyingrobots/taskctl/internal/store"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSampleComputesTrueDepth(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := store.NewV9Adapter(rdb)
	b := queue.NewBroker(s)
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, "cpu:jobs", "cpu-workers"))

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, "cpu:jobs", queue.Job{Kind: "resize"})
		require.NoError(t, err)
	}
	// two get delivered (and stay pending, unacked)
	_, err = b.Consume(ctx, "cpu:jobs", "cpu-workers", "worker-1", 2, 100*time.Millisecond)
	require.NoError(t, err)

	sampler := NewSampler(s, time.Hour)
	m, err := sampler.Sample(ctx, "cpu:jobs", "cpu-workers")
	require.NoError(t, err)
	require.Equal(t, int64(5), m.StreamLength)
	require.Equal(t, int64(2), m.PendingCount)
	require.Equal(t, int64(3), m.NewEstimate)
	require.Equal(t, int64(5), m.TrueDepth)
	require.False(t, m.PressureDoubled)
	require.Equal(t, m.TrueDepth, m.EffectiveDepth)
}

func TestSampleDoublesPressureWhenStale(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := store.NewV9Adapter(rdb)
	b := queue.NewBroker(s)
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, "cpu:jobs", "cpu-workers"))
	_, err = b.Publish(ctx, "cpu:jobs", queue.Job{Kind: "resize"})
	require.NoError(t, err)
	_, err = b.Consume(ctx, "cpu:jobs", "cpu-workers", "worker-1", 1, 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	sampler := NewSampler(s, time.Millisecond)
	m, err := sampler.Sample(ctx, "cpu:jobs", "cpu-workers")
	require.NoError(t, err)
	require.True(t, m.PressureDoubled)
	require.Equal(t, m.TrueDepth*2, m.EffectiveDepth)
}
