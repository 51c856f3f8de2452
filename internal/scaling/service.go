// Copyright 2025 James Ross
package scaling

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/flyingrobots/taskctl/internal/metrics"
	"github.com/flyingrobots/taskctl/internal/scaling/backends"
	"github.com/flyingrobots/taskctl/internal/store"
)

// Decision is the outcome of one class's scaling tick, returned
// whether or not it changed anything; the loop emits a ScalingEvent
// only for decisions with Changed set.
type Decision struct {
	Class   string
	Current int
	Target  int
	Metrics metrics.QueueMetrics
	Reason  string
	Changed bool
}

// Service implements the per-class scaling algorithm: read true (or
// pressure-doubled effective) depth, compare against thresholds and
// cooldown, and request a new replica count from the class's backend.
type Service struct {
	cfg     *config.Config
	store   store.Commands
	backend backends.Backend
	log     *zap.Logger

	mu          sync.Mutex
	lastChanged map[string]time.Time
}

func NewService(cfg *config.Config, s store.Commands, backend backends.Backend, log *zap.Logger) *Service {
	return &Service{cfg: cfg, store: s, backend: backend, log: log, lastChanged: map[string]time.Time{}}
}

// Tick evaluates and, if warranted, applies one scaling decision for
// class.
func (svc *Service) Tick(ctx context.Context, class string, wc config.WorkerClassConfig) (Decision, error) {
	stream := wc.QueueName
	if stream == "" {
		stream = svc.cfg.ClassJobsStream(class)
	}
	group := wc.ConsumerGroup
	if group == "" {
		group = class + "-workers"
	}

	sampler := metrics.NewSampler(svc.store, wc.OldestPendingAgeMax)
	qm, err := sampler.Sample(ctx, stream, group)
	if err != nil {
		return Decision{}, fmt.Errorf("sample %s: %w", class, err)
	}

	current, err := svc.backend.CurrentReplicas(ctx, class)
	if err != nil {
		return Decision{}, fmt.Errorf("current replicas %s: %w", class, err)
	}

	dec := Decision{Class: class, Current: current, Target: current, Metrics: qm, Reason: "hold"}

	svc.mu.Lock()
	last := svc.lastChanged[class]
	svc.mu.Unlock()
	withinCooldown := wc.Cooldown > 0 && time.Since(last) < wc.Cooldown

	busy, err := svc.anyBusy(ctx, class)
	if err != nil {
		svc.log.Warn("busy-heartbeat check failed, treating as busy to avoid an unsafe scale-down",
			zap.String("class", class), zap.Error(err))
		busy = true
	}

	switch {
	case qm.EffectiveDepth >= wc.ScaleUpThreshold && current < wc.MaxReplicas && !withinCooldown:
		stepUp := int(math.Ceil(float64(qm.EffectiveDepth) / float64(wc.ScaleUpThreshold)))
		headroom := wc.MaxReplicas - current
		if stepUp > headroom {
			stepUp = headroom
		}
		if stepUp < 1 {
			stepUp = 1
		}
		dec.Target = current + stepUp
		dec.Reason = "scale_up"
	case qm.TrueDepth <= wc.ScaleDownThreshold && current > wc.MinReplicas && !withinCooldown && !busy:
		stepDown := wc.StepDown
		if stepDown < 1 {
			stepDown = 1
		}
		dec.Target = current - stepDown
		if dec.Target < wc.MinReplicas {
			dec.Target = wc.MinReplicas
		}
		dec.Reason = "scale_down"
	}

	if dec.Target == current {
		dec.Reason = "hold"
		return dec, nil
	}

	if err := svc.backend.Scale(ctx, class, dec.Target); err != nil {
		return dec, fmt.Errorf("scale %s to %d: %w", class, dec.Target, err)
	}
	dec.Changed = true
	svc.mu.Lock()
	svc.lastChanged[class] = time.Now()
	svc.mu.Unlock()
	return dec, nil
}

// anyBusy reports whether any worker currently reporting into this
// class's heartbeat stream is in the busy state, used to veto an
// otherwise-eligible scale-down: an idle-looking queue can still have
// workers mid-job.
func (svc *Service) anyBusy(ctx context.Context, class string) (bool, error) {
	msgs, err := svc.store.XRevRangeN(ctx, svc.cfg.Queues.WorkerStatus, 500)
	if err != nil {
		return false, err
	}
	seen := map[string]bool{}
	for _, m := range msgs {
		id, _ := m.Values["worker_id"].(string)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		cls, _ := m.Values["class"].(string)
		if cls != class {
			continue
		}
		if state, _ := m.Values["state"].(string); state == "busy" {
			return true, nil
		}
	}
	return false, nil
}
