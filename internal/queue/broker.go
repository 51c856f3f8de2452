// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/taskctl/internal/store"
	"github.com/google/uuid"
)

// Delivery pairs a Job with the stream entry ID it arrived on, so a
// worker can Ack/reclaim/dead-letter the exact message it consumed.
type Delivery struct {
	EntryID string
	Job     Job
}

// Broker publishes jobs onto a class's jobs stream and hands workers a
// consumer-group view of it, with acknowledgement, reclaim, and
// dead-letter support built on Redis streams semantics.
type Broker struct {
	store store.Commands
}

func NewBroker(s store.Commands) *Broker {
	return &Broker{store: s}
}

// EnsureGroup idempotently creates the consumer group for a stream,
// creating the stream itself if absent.
func (b *Broker) EnsureGroup(ctx context.Context, stream, group string) error {
	return b.store.XGroupCreate(ctx, stream, group)
}

// Publish appends a job to its class's jobs stream, generating an ID
// and submission timestamp if not already set. It returns the stream
// entry ID assigned by XADD, not the job's ID.
func (b *Broker) Publish(ctx context.Context, stream string, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}
	values, err := job.Marshal()
	if err != nil {
		return "", err
	}
	return b.store.XAdd(ctx, stream, values, 0)
}

// Consume blocks (up to block) for up to count jobs on stream for the
// named consumer group/consumer. A malformed entry (ErrJobDecode) is
// acknowledged and dropped rather than handed to the caller: it can
// never be dispatched, and leaving it unacked would wedge it in the
// consumer group's pending entries list forever.
func (b *Broker) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	msgs, err := b.store.XReadGroup(ctx, group, consumer, stream, count, block)
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		job, err := UnmarshalJob(m.Values)
		if err != nil {
			_ = b.store.XAck(ctx, stream, group, m.ID)
			continue
		}
		out = append(out, Delivery{EntryID: m.ID, Job: job})
	}
	return out, nil
}

// Ack acknowledges successful (or terminally failed, non-retryable)
// processing of a delivery.
func (b *Broker) Ack(ctx context.Context, stream, group string, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	return b.store.XAck(ctx, stream, group, entryIDs...)
}

// Reclaim claims pending entries idle longer than minIdle for consumer,
// returning what was claimed so the caller can redeliver or dead-letter
// them. This is the stream analogue of the teacher's processing-list
// reaper sweep, driven by XCLAIM instead of list scans.
func (b *Broker) Reclaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Delivery, error) {
	pending, err := b.store.XPendingRange(ctx, stream, group, "-", "+", count, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := b.store.XClaim(ctx, stream, group, consumer, minIdle, ids...)
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		job, err := UnmarshalJob(m.Values)
		if err != nil {
			_ = b.store.XAck(ctx, stream, group, m.ID)
			continue
		}
		out = append(out, Delivery{EntryID: m.ID, Job: job})
	}
	return out, nil
}

// DeadLetter appends job (with its retry count intact) to the class's
// dead-letter stream and acknowledges the original delivery so it
// leaves the pending entries list.
func (b *Broker) DeadLetter(ctx context.Context, jobsStream, deadStream, group, entryID string, job Job, reason string) error {
	values, err := job.Marshal()
	if err != nil {
		return err
	}
	values["dead_letter_reason"] = reason
	values["dead_lettered_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := b.store.XAdd(ctx, deadStream, values, 0); err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return b.store.XAck(ctx, jobsStream, group, entryID)
}

// Redeliver re-publishes job (typically from the dead-letter stream)
// onto its original jobs stream, optionally resetting the retry count.
func (b *Broker) Redeliver(ctx context.Context, stream string, job Job, resetRetryCount bool) (string, error) {
	if resetRetryCount {
		job.RetryCount = 0
	}
	return b.Publish(ctx, stream, job)
}

// Reply publishes a terminal Result onto the job's reply stream, if it
// declared one.
func (b *Broker) Reply(ctx context.Context, result Result, replyStream string) error {
	if replyStream == "" {
		return nil
	}
	_, err := b.store.XAdd(ctx, replyStream, result.Marshal(), 1000)
	return err
}

// Len returns the current stream length (not pending count).
func (b *Broker) Len(ctx context.Context, stream string) (int64, error) {
	return b.store.XLen(ctx, stream)
}
