// Copyright 2025 James Ross
package store

import (
	"context"
	"runtime"
	"time"

	"github.com/flyingrobots/taskctl/internal/config"
	redisv8 "github.com/go-redis/redis/v8"
)

// adapterV8 implements Commands on top of the secondary go-redis v8
// client — the fallback endpoint is deliberately kept on the older
// client major version so the resilient composite is proven
// client-version-agnostic, not just host-agnostic.
type adapterV8 struct {
	rdb *redisv8.Client
}

// NewSecondary returns a configured go-redis v8 client for the
// secondary (plain transport) endpoint.
func NewSecondary(cfg *config.Config) *redisv8.Client {
	rc := cfg.Store.Secondary
	poolSize := rc.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	return redisv8.NewClient(&redisv8.Options{
		Addr:         rc.Addr,
		Username:     rc.Username,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     poolSize,
		MinIdleConns: rc.MinIdleConns,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		MaxRetries:   rc.MaxRetries,
	})
}

func NewV8Adapter(rdb *redisv8.Client) Commands { return &adapterV8{rdb: rdb} }

func (a *adapterV8) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *adapterV8) Get(ctx context.Context, key string) (string, error) {
	v, err := a.rdb.Get(ctx, key).Result()
	if err == redisv8.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (a *adapterV8) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *adapterV8) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return a.rdb.HSet(ctx, key, values).Err()
}

func (a *adapterV8) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return a.rdb.HGetAll(ctx, key).Result()
}

func (a *adapterV8) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Expire(ctx, key, ttl).Err()
}

func (a *adapterV8) XAdd(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	args := &redisv8.XAddArgs{Stream: stream, ID: "*", Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return a.rdb.XAdd(ctx, args).Result()
}

func (a *adapterV8) XGroupCreate(ctx context.Context, stream, group string) error {
	err := a.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && isBusyGroup(err) {
		return nil
	}
	return err
}

func (a *adapterV8) XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]StreamMessage, error) {
	res, err := a.rdb.XReadGroup(ctx, &redisv8.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redisv8.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return convertV8Messages(res[0].Messages), nil
}

func (a *adapterV8) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return a.rdb.XAck(ctx, stream, group, ids...).Err()
}

func (a *adapterV8) XPendingSummary(ctx context.Context, stream, group string) (PendingSummary, error) {
	p, err := a.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return PendingSummary{}, err
	}
	consumers := map[string]int64{}
	for _, c := range p.Consumers {
		consumers[c.Name] = c.Count
	}
	return PendingSummary{Count: p.Count, LowestID: p.Lower, HighestID: p.Higher, Consumers: consumers}, nil
}

func (a *adapterV8) XPendingRange(ctx context.Context, stream, group, start, end string, count int64, consumer string) ([]PendingEntry, error) {
	args := &redisv8.XPendingExtArgs{Stream: stream, Group: group, Start: start, End: end, Count: count, Consumer: consumer}
	rows, err := a.rdb.XPendingExt(ctx, args).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, PendingEntry{ID: r.ID, Consumer: r.Consumer, Idle: r.Idle, DeliveryCount: r.RetryCount})
	}
	return out, nil
}

func (a *adapterV8) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	msgs, err := a.rdb.XClaim(ctx, &redisv8.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return convertV8Messages(msgs), nil
}

func (a *adapterV8) XLen(ctx context.Context, stream string) (int64, error) {
	return a.rdb.XLen(ctx, stream).Result()
}

func (a *adapterV8) XTrim(ctx context.Context, stream string, maxLen int64) error {
	return a.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
}

func (a *adapterV8) XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error) {
	groups, err := a.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, err
	}
	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupInfo{Name: g.Name, Consumers: g.Consumers, Pending: g.Pending, LastDeliveredID: g.LastDeliveredID})
	}
	return out, nil
}

func (a *adapterV8) XRevRangeN(ctx context.Context, stream string, count int64) ([]StreamMessage, error) {
	rows, err := a.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	return convertV8Messages(rows), nil
}

func (a *adapterV8) XDel(ctx context.Context, stream string, ids ...string) error {
	return a.rdb.XDel(ctx, stream, ids...).Err()
}

func (a *adapterV8) Publish(ctx context.Context, channel, payload string) error {
	return a.rdb.Publish(ctx, channel, payload).Err()
}

func (a *adapterV8) Ping(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
func (a *adapterV8) Close() error                   { return a.rdb.Close() }

func convertV8Messages(msgs []redisv8.XMessage) []StreamMessage {
	out := make([]StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, StreamMessage{ID: m.ID, Values: m.Values})
	}
	return out
}
