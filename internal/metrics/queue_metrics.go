// Copyright 2025 James Ross
package metrics

import (
	"context"
	"time"

	"github.com/flyingrobots/taskctl/internal/store"
)

// QueueMetrics is the per-class snapshot the autoscaler reads every
// check interval.
type QueueMetrics struct {
	StreamLength      int64
	PendingCount      int64
	OldestPendingAge  time.Duration
	NewEstimate       int64
	TrueDepth         int64
	PressureDoubled   bool
	EffectiveDepth    int64
}

// Sampler computes QueueMetrics for a class's jobs stream/consumer group.
type Sampler struct {
	store               store.Commands
	oldestPendingAgeMax time.Duration
}

func NewSampler(s store.Commands, oldestPendingAgeMax time.Duration) *Sampler {
	return &Sampler{store: s, oldestPendingAgeMax: oldestPendingAgeMax}
}

// Sample computes pending_count, oldest_pending_age_ms, new_estimate,
// and true_depth for one stream/group, then applies the
// pressure-doubling rule to produce effective_depth — the value the
// autoscaler's step_up calculation actually uses.
func (s *Sampler) Sample(ctx context.Context, stream, group string) (QueueMetrics, error) {
	length, err := s.store.XLen(ctx, stream)
	if err != nil {
		return QueueMetrics{}, err
	}

	summary, err := s.store.XPendingSummary(ctx, stream, group)
	if err != nil {
		return QueueMetrics{}, err
	}

	var oldestAge time.Duration
	if summary.Count > 0 {
		rows, err := s.store.XPendingRange(ctx, stream, group, summary.LowestID, summary.LowestID, 1, "")
		if err == nil && len(rows) > 0 {
			oldestAge = rows[0].Idle
		}
	}

	newEstimate := length - summary.Count
	if newEstimate < 0 {
		newEstimate = 0
	}
	trueDepth := summary.Count + newEstimate

	effective := trueDepth
	doubled := false
	if s.oldestPendingAgeMax > 0 && oldestAge > s.oldestPendingAgeMax {
		effective *= 2
		doubled = true
	}

	return QueueMetrics{
		StreamLength:     length,
		PendingCount:     summary.Count,
		OldestPendingAge: oldestAge,
		NewEstimate:      newEstimate,
		TrueDepth:        trueDepth,
		PressureDoubled:  doubled,
		EffectiveDepth:   effective,
	}, nil
}
