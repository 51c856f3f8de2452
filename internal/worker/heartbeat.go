// Copyright 2025 James Ross
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/flyingrobots/taskctl/internal/obs"
	"github.com/flyingrobots/taskctl/internal/store"
	"go.uber.org/zap"
)

// heartbeatLoop writes w's liveness to its heartbeat hash (keyed
// worker:heartbeat:<id>, TTL'd so a crashed worker's entry expires on
// its own) and appends the same snapshot to the shared worker:status
// stream every cfg.Worker.HeartbeatInterval, until ctx is canceled.
func (w *Worker) heartbeatLoop(ctx context.Context, workerID string) {
	interval := w.cfg.Worker.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ttl := 3 * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeHeartbeat(ctx, workerID, ttl)
		}
	}
}

func (w *Worker) writeHeartbeat(ctx context.Context, workerID string, ttl time.Duration) {
	st := w.stateFor(workerID)
	processed, failed := w.countersFor(workerID)
	now := time.Now().UTC()
	uptime := int64(time.Since(w.startedAt).Seconds())
	res := obs.SampleResources()

	class := w.cfg.Worker.Class
	env := w.cfg.Observability.DeploymentEnv
	region := w.cfg.Observability.Region

	obs.WorkerUptimeSeconds.WithLabelValues(workerID, class, w.hostname, env, region).Set(float64(uptime))
	obs.WorkerMemoryBytes.WithLabelValues(workerID, class, w.hostname, env, region).Set(float64(res.RSSBytes))
	obs.WorkerCPUPercent.WithLabelValues(workerID, class, w.hostname, env, region).Set(res.CPUPercent)

	fields := map[string]interface{}{
		"worker_id":      workerID,
		"class":          class,
		"state":          st.String(),
		"hostname":       w.hostname,
		"deployment_env": env,
		"region":         region,
		"last_seen":      now.Format(time.RFC3339Nano),
		"jobs_processed": processed,
		"jobs_failed":    failed,
		"uptime_seconds": uptime,
		"cpu_percent":    res.CPUPercent,
		"rss_bytes":      res.RSSBytes,
		"threads":        res.Threads,
		"open_fds":       res.OpenFDs,
	}

	key := w.cfg.HeartbeatKey(workerID)
	if err := w.store.HSet(ctx, key, fields); err != nil {
		w.log.Warn("heartbeat hset failed", zap.String("worker_id", workerID), zap.Error(err))
		return
	}
	if err := w.store.Expire(ctx, key, ttl); err != nil {
		w.log.Warn("heartbeat expire failed", zap.String("worker_id", workerID), zap.Error(err))
	}
	if _, err := w.store.XAdd(ctx, w.cfg.Queues.WorkerStatus, fields, 10000); err != nil {
		w.log.Debug("worker status append failed", zap.String("worker_id", workerID), zap.Error(err))
	}
}

// readinessProbe is registered with obs.StartHTTPServer: a worker is
// ready once the store answers a ping. It does not check whether any
// consumer goroutine has started.
func readinessProbe(cfg *config.Config, s store.Commands) func(context.Context) error {
	return func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.Ping(probeCtx); err != nil {
			return fmt.Errorf("store unreachable: %w", err)
		}
		return nil
	}
}
