// Copyright 2025 James Ross
package scaling

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/taskctl/internal/config"
)

// Loop is the single-threaded cooperative autoscaler: every
// check_interval, it evaluates every enabled class and applies the
// first change a class's Service.Tick calls for. A single class
// erroring never stops the loop or skips sibling classes, and it
// tolerates a cold start with zero running workers — Service.Tick
// only ever reads queue-side metrics and the backend's current
// replica count, never requiring existing worker heartbeats.
// Loop's healthy callback reports whether the store is currently
// trustworthy enough to base a scaling decision on — callers typically
// wire this to *store.Resilient.BreakerState() != breaker.Open.
type Loop struct {
	cfg     *config.Config
	svc     *Service
	sink    *EventSink
	log     *zap.Logger
	healthy func() bool
}

func NewLoop(cfg *config.Config, svc *Service, sink *EventSink, log *zap.Logger, healthy func() bool) *Loop {
	return &Loop{cfg: cfg, svc: svc, sink: sink, log: log, healthy: healthy}
}

// Run blocks until ctx is canceled, draining the in-flight tick before
// returning.
func (l *Loop) Run(ctx context.Context) {
	interval := l.cfg.Scaling.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tickAll(ctx)
		}
	}
}

func (l *Loop) tickAll(ctx context.Context) {
	if l.healthy != nil && !l.healthy() {
		l.log.Warn("store unhealthy, postponing scaling decisions this interval")
		return
	}
	for class, wc := range l.cfg.Scaling.Classes {
		if !wc.Enabled {
			continue
		}
		dec, err := l.svc.Tick(ctx, class, wc)
		if err != nil {
			l.log.Error("scaling tick failed", zap.String("class", class), zap.Error(err))
			continue
		}
		if !dec.Changed {
			continue
		}
		l.sink.Publish(ScalingEvent{
			Class:     class,
			Reason:    dec.Reason,
			Previous:  dec.Current,
			Target:    dec.Target,
			TrueDepth: dec.Metrics.TrueDepth,
			At:        time.Now(),
		})
	}
}
