// Copyright 2025 James Ross
package store

import (
	"context"
	"time"
)

type ctxType = context.Context

// StreamMessage is one entry read off a stream, decoupled from the
// specific go-redis major version that produced it.
type StreamMessage struct {
	ID     string
	Values map[string]interface{}
}

// PendingEntry is one row of XPENDING's extended form.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// PendingSummary is XPENDING's summary form.
type PendingSummary struct {
	Count     int64
	LowestID  string
	HighestID string
	Consumers map[string]int64
}

// GroupInfo describes one consumer group on a stream.
type GroupInfo struct {
	Name            string
	Consumers       int64
	Pending         int64
	LastDeliveredID string
}

// Commands is the narrow surface the broker, worker, and metrics
// packages need from a store backend. Both the primary (go-redis v9)
// and secondary (go-redis v8) clients implement it through a thin
// adapter, so callers never depend on a specific client major version.
type Commands interface {
	Set(ctx ctxType, key, value string, ttl time.Duration) error
	Get(ctx ctxType, key string) (string, error)
	Del(ctx ctxType, keys ...string) error
	HSet(ctx ctxType, key string, values map[string]interface{}) error
	HGetAll(ctx ctxType, key string) (map[string]string, error)
	Expire(ctx ctxType, key string, ttl time.Duration) error

	XAdd(ctx ctxType, stream string, values map[string]interface{}, maxLen int64) (string, error)
	XGroupCreate(ctx ctxType, stream, group string) error
	XReadGroup(ctx ctxType, group, consumer, stream string, count int64, block time.Duration) ([]StreamMessage, error)
	XAck(ctx ctxType, stream, group string, ids ...string) error
	XPendingSummary(ctx ctxType, stream, group string) (PendingSummary, error)
	XPendingRange(ctx ctxType, stream, group, start, end string, count int64, consumer string) ([]PendingEntry, error)
	XClaim(ctx ctxType, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error)
	XLen(ctx ctxType, stream string) (int64, error)
	XTrim(ctx ctxType, stream string, maxLen int64) error
	XInfoGroups(ctx ctxType, stream string) ([]GroupInfo, error)
	// XRevRangeN returns up to count of the most recent entries on
	// stream, newest first, independent of any consumer group. Used by
	// read-only admin views (worker roster, dead-letter browsing) that
	// should not compete with workers for delivery.
	XRevRangeN(ctx ctxType, stream string, count int64) ([]StreamMessage, error)
	// XDel removes specific entries from stream by ID, used by
	// dead-letter purge/requeue.
	XDel(ctx ctxType, stream string, ids ...string) error

	Publish(ctx ctxType, channel, payload string) error

	Ping(ctx ctxType) error
	Close() error
}
