// Copyright 2025 James Ross
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// errReclaimedStale is the synthetic cause recorded against a job that
// timed out in another consumer's pending entries list long enough to
// be claimed by the reclaimer.
var errReclaimedStale = errors.New("worker: delivery idle past reclaim threshold")

// reclaimLoop is the stream analogue of the teacher's processing-list
// reaper: it periodically claims pending entries nobody has
// acknowledged within the class's reclaim window (an owning consumer
// that died mid-job, most often) and feeds each back through the same
// retry/dead-letter decision a live failure would take.
func (w *Worker) reclaimLoop(ctx context.Context, stream, group, deadStream string) {
	minIdle := w.reclaimMinIdle()
	interval := minIdle / 2
	if interval < time.Second {
		interval = time.Second
	}

	consumer := w.baseID + "-reclaimer"
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reclaimOnce(ctx, stream, group, deadStream, consumer, minIdle)
		}
	}
}

func (w *Worker) reclaimOnce(ctx context.Context, stream, group, deadStream, consumer string, minIdle time.Duration) {
	deliveries, err := w.broker.Reclaim(ctx, stream, group, consumer, minIdle, 100)
	if err != nil {
		w.log.Debug("reclaim sweep failed", zap.String("stream", stream), zap.Error(err))
		return
	}
	for _, d := range deliveries {
		w.log.Warn("reclaimed stale delivery", zap.String("job_id", d.Job.ID),
			zap.Int("retry_count", d.Job.RetryCount))
		if d.Job.RetryCount < w.cfg.Worker.MaxRetries {
			w.retry(ctx, stream, group, consumer, d, errReclaimedStale)
		} else {
			w.deadLetter(ctx, stream, deadStream, group, consumer, d, errReclaimedStale)
		}
	}
}

// defaultReclaimMinIdle matches the value used in the reclaim scenario
// this policy is grounded on: an entry idle a full minute is assumed
// abandoned by its original consumer.
const defaultReclaimMinIdle = 60 * time.Second

func (w *Worker) reclaimMinIdle() time.Duration {
	if wc, ok := w.cfg.Scaling.Classes[w.cfg.Worker.Class]; ok && wc.ReclaimMinIdle > 0 {
		return wc.ReclaimMinIdle
	}
	return defaultReclaimMinIdle
}
