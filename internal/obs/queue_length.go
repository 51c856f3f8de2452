// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/flyingrobots/taskctl/internal/metrics"
	"github.com/flyingrobots/taskctl/internal/store"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples every enabled class's jobs stream on
// an interval and updates the queue_length/queue_true_depth/
// queue_oldest_pending_age_ms gauges.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, s store.Commands, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	samplers := map[string]*metrics.Sampler{}
	streams := map[string]string{}
	groups := map[string]string{}
	for name, class := range cfg.Scaling.Classes {
		if !class.Enabled {
			continue
		}
		samplers[name] = metrics.NewSampler(s, class.OldestPendingAgeMax)
		streams[name] = class.QueueName
		groups[name] = class.ConsumerGroup
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, sampler := range samplers {
					m, err := sampler.Sample(ctx, streams[name], groups[name])
					if err != nil {
						log.Debug("queue metrics poll error", String("class", name), Err(err))
						continue
					}
					QueueLength.WithLabelValues(name, streams[name]).Set(float64(m.StreamLength))
					QueueTrueDepth.WithLabelValues(name).Set(float64(m.TrueDepth))
					QueueOldestPendingAgeMs.WithLabelValues(name).Set(float64(m.OldestPendingAge.Milliseconds()))
				}
			}
		}
	}()
}
