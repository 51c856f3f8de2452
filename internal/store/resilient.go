// Copyright 2025 James Ross
package store

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/taskctl/internal/breaker"
	"github.com/flyingrobots/taskctl/internal/config"
	"go.uber.org/zap"
)

// EventFunc receives store state-transition events: switched, restored,
// circuit_open, circuit_closed. Resilient emits no "activated" event.
type EventFunc func(kind, detail string)

// Resilient is the composite store client described by the control
// plane's data-layer contract: a primary endpoint guarded by a circuit
// breaker, with an optional secondary fallback promoted on rate-limit
// or repeated transient failure and demoted back once a health probe
// confirms the primary has recovered.
type Resilient struct {
	primary   Commands
	secondary Commands
	fallback  bool

	cb *breaker.CircuitBreaker

	cooldown    time.Duration
	probeEvery  time.Duration
	rateLimited bool
	ratedAt     time.Time

	mu            sync.RWMutex
	usingFallback bool

	log     *zap.Logger
	onEvent EventFunc
}

// NewResilient builds the composite client. secondary may be nil when
// cfg.Store.FallbackEnabled is false.
func NewResilient(cfg *config.Config, primary, secondary Commands, log *zap.Logger, onEvent EventFunc) *Resilient {
	if onEvent == nil {
		onEvent = func(string, string) {}
	}
	return &Resilient{
		primary:    primary,
		secondary:  secondary,
		fallback:   cfg.Store.FallbackEnabled && secondary != nil,
		cb: breaker.New(
			cfg.Store.CircuitBreaker.Window,
			cfg.Store.CircuitBreaker.CooldownPeriod,
			cfg.Store.CircuitBreaker.FailureThreshold,
			cfg.Store.CircuitBreaker.MinSamples,
		),
		cooldown:   cfg.Store.RateLimitCooldown,
		probeEvery: cfg.Store.HealthProbeEvery,
		log:        log,
		onEvent:    onEvent,
	}
}

// Start launches the background health probe that restores the
// primary once it responds again after a rate-limit-triggered failover.
func (r *Resilient) Start(ctx context.Context) {
	if !r.fallback {
		return
	}
	interval := r.probeEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.probe(ctx)
			}
		}
	}()
}

func (r *Resilient) probe(ctx context.Context) {
	r.mu.RLock()
	onFallback := r.usingFallback
	ratedAt := r.ratedAt
	r.mu.RUnlock()
	if !onFallback {
		return
	}
	if time.Since(ratedAt) < r.cooldown {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.primary.Ping(probeCtx); err != nil {
		return
	}
	r.mu.Lock()
	r.usingFallback = false
	r.mu.Unlock()
	r.log.Info("store primary restored", zap.String("event", "restored"))
	r.onEvent("restored", "primary healthy again, resuming primary traffic")
}

// active returns the backend currently serving traffic.
func (r *Resilient) active() Commands {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.usingFallback && r.secondary != nil {
		return r.secondary
	}
	return r.primary
}

// run executes fn against the active backend, applying circuit-breaker
// gating and rate-limit-triggered failover around the primary.
func (r *Resilient) run(ctx context.Context, op string, fn func(Commands) error) error {
	r.mu.RLock()
	onFallback := r.usingFallback
	r.mu.RUnlock()

	if onFallback {
		return fn(r.secondary)
	}

	if !r.cb.Allow() {
		if r.fallback {
			return fn(r.secondary)
		}
		return &TransientError{Op: op, Err: breaker.ErrOpen}
	}

	prev := r.cb.State()
	err := fn(r.primary)
	r.cb.Record(err == nil)

	if err == nil {
		if prev != breaker.Closed && r.cb.State() == breaker.Closed {
			r.log.Info("store circuit closed", zap.String("op", op))
			r.onEvent("circuit_closed", op)
		}
		return nil
	}

	if r.cb.State() == breaker.Open {
		r.log.Warn("store circuit open", zap.String("op", op), zap.Error(err))
		r.onEvent("circuit_open", op)
	}

	if r.fallback && isRateLimited(err) {
		r.mu.Lock()
		r.usingFallback = true
		r.ratedAt = time.Now()
		r.mu.Unlock()
		r.log.Warn("store switching to fallback", zap.String("op", op), zap.Error(err))
		r.onEvent("switched", op)
		return fn(r.secondary)
	}

	return &TransientError{Op: op, Err: err}
}

func (r *Resilient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.run(ctx, "set", func(c Commands) error { return c.Set(ctx, key, value, ttl) })
}

func (r *Resilient) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := r.run(ctx, "get", func(c Commands) error {
		v, err := c.Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) Del(ctx context.Context, keys ...string) error {
	return r.run(ctx, "del", func(c Commands) error { return c.Del(ctx, keys...) })
}

func (r *Resilient) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.run(ctx, "hset", func(c Commands) error { return c.HSet(ctx, key, values) })
}

func (r *Resilient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := r.run(ctx, "hgetall", func(c Commands) error {
		v, err := c.HGetAll(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.run(ctx, "expire", func(c Commands) error { return c.Expire(ctx, key, ttl) })
}

func (r *Resilient) XAdd(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	var id string
	err := r.run(ctx, "xadd", func(c Commands) error {
		v, err := c.XAdd(ctx, stream, values, maxLen)
		id = v
		return err
	})
	return id, err
}

func (r *Resilient) XGroupCreate(ctx context.Context, stream, group string) error {
	return r.run(ctx, "xgroupcreate", func(c Commands) error { return c.XGroupCreate(ctx, stream, group) })
}

func (r *Resilient) XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]StreamMessage, error) {
	var msgs []StreamMessage
	err := r.run(ctx, "xreadgroup", func(c Commands) error {
		v, err := c.XReadGroup(ctx, group, consumer, stream, count, block)
		msgs = v
		return err
	})
	return msgs, err
}

func (r *Resilient) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return r.run(ctx, "xack", func(c Commands) error { return c.XAck(ctx, stream, group, ids...) })
}

func (r *Resilient) XPendingSummary(ctx context.Context, stream, group string) (PendingSummary, error) {
	var out PendingSummary
	err := r.run(ctx, "xpending", func(c Commands) error {
		v, err := c.XPendingSummary(ctx, stream, group)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) XPendingRange(ctx context.Context, stream, group, start, end string, count int64, consumer string) ([]PendingEntry, error) {
	var out []PendingEntry
	err := r.run(ctx, "xpendingrange", func(c Commands) error {
		v, err := c.XPendingRange(ctx, stream, group, start, end, count, consumer)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	var out []StreamMessage
	err := r.run(ctx, "xclaim", func(c Commands) error {
		v, err := c.XClaim(ctx, stream, group, consumer, minIdle, ids...)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) XLen(ctx context.Context, stream string) (int64, error) {
	var out int64
	err := r.run(ctx, "xlen", func(c Commands) error {
		v, err := c.XLen(ctx, stream)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) XTrim(ctx context.Context, stream string, maxLen int64) error {
	return r.run(ctx, "xtrim", func(c Commands) error { return c.XTrim(ctx, stream, maxLen) })
}

func (r *Resilient) XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error) {
	var out []GroupInfo
	err := r.run(ctx, "xinfogroups", func(c Commands) error {
		v, err := c.XInfoGroups(ctx, stream)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) XRevRangeN(ctx context.Context, stream string, count int64) ([]StreamMessage, error) {
	var out []StreamMessage
	err := r.run(ctx, "xrevrangen", func(c Commands) error {
		v, err := c.XRevRangeN(ctx, stream, count)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) XDel(ctx context.Context, stream string, ids ...string) error {
	return r.run(ctx, "xdel", func(c Commands) error { return c.XDel(ctx, stream, ids...) })
}

func (r *Resilient) Publish(ctx context.Context, channel, payload string) error {
	return r.run(ctx, "publish", func(c Commands) error { return c.Publish(ctx, channel, payload) })
}

func (r *Resilient) Ping(ctx context.Context) error {
	return r.run(ctx, "ping", func(c Commands) error { return c.Ping(ctx) })
}

func (r *Resilient) Close() error {
	err := r.primary.Close()
	if r.secondary != nil {
		if err2 := r.secondary.Close(); err == nil {
			err = err2
		}
	}
	return err
}

// UsingFallback reports whether traffic is currently on the secondary.
func (r *Resilient) UsingFallback() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usingFallback
}

// BreakerState exposes the primary breaker's state for health reporting.
func (r *Resilient) BreakerState() breaker.State { return r.cb.State() }
