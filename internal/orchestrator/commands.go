// Copyright 2025 James Ross
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/flyingrobots/taskctl/internal/metrics"
	"github.com/flyingrobots/taskctl/internal/queue"
	"github.com/flyingrobots/taskctl/internal/store"
)

// Backend is the subset of a scaling backend the orchestrator's
// scale/drain commands need; it is satisfied by any
// internal/scaling/backends implementation so this package never
// imports Docker/k8s/AWS SDKs directly.
type Backend interface {
	CurrentReplicas(ctx context.Context, class string) (int, error)
	Scale(ctx context.Context, class string, target int) error
}

// Commands is the admin/orchestrator command surface: worker roster,
// per-class queue stats, manual scale/drain, and dead-letter
// inspection/reprocessing/purge, generalized from the teacher's
// list-based admin package to streams and consumer groups.
type Commands struct {
	cfg     *config.Config
	store   store.Commands
	broker  *queue.Broker
	backend Backend
}

func NewCommands(cfg *config.Config, s store.Commands, backend Backend) *Commands {
	return &Commands{cfg: cfg, store: s, broker: queue.NewBroker(s), backend: backend}
}

// WorkerInfo summarizes one worker's most recent heartbeat snapshot.
type WorkerInfo struct {
	WorkerID      string    `json:"worker_id"`
	Class         string    `json:"class"`
	State         string    `json:"state"`
	Hostname      string    `json:"hostname"`
	DeploymentEnv string    `json:"deployment_env"`
	Region        string    `json:"region"`
	LastSeen      time.Time `json:"last_seen"`
	JobsProcessed int64     `json:"jobs_processed"`
	JobsFailed    int64     `json:"jobs_failed"`
}

// ListWorkers reads the shared worker:status stream and reduces it to
// the latest snapshot per worker_id. This reports every worker that has
// heartbeat within the stream's retained window, not just live ones;
// callers that need "currently alive" should additionally check
// LastSeen against roughly 2x the worker's heartbeat interval.
func (c *Commands) ListWorkers(ctx context.Context, limit int64) ([]WorkerInfo, error) {
	if limit <= 0 {
		limit = 500
	}
	msgs, err := c.store.XRevRangeN(ctx, c.cfg.Queues.WorkerStatus, limit)
	if err != nil {
		return nil, fmt.Errorf("read worker status: %w", err)
	}
	seen := map[string]bool{}
	out := make([]WorkerInfo, 0, len(msgs))
	for _, m := range msgs {
		id, _ := m.Values["worker_id"].(string)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, workerInfoFromValues(id, m.Values))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func workerInfoFromValues(id string, v map[string]interface{}) WorkerInfo {
	wi := WorkerInfo{WorkerID: id}
	wi.Class, _ = v["class"].(string)
	wi.State, _ = v["state"].(string)
	wi.Hostname, _ = v["hostname"].(string)
	wi.DeploymentEnv, _ = v["deployment_env"].(string)
	wi.Region, _ = v["region"].(string)
	if ts, ok := v["last_seen"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			wi.LastSeen = t
		}
	}
	wi.JobsProcessed = asInt64(v["jobs_processed"])
	wi.JobsFailed = asInt64(v["jobs_failed"])
	return wi
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n int64
		if _, err := fmt.Sscan(t, &n); err == nil {
			return n
		}
	}
	return 0
}

// ClassStats is the per-class queue-depth and replica snapshot the
// teacher's admin Stats command reported for lists, generalized to
// streams.
type ClassStats struct {
	Class            string `json:"class"`
	Stream           string `json:"stream"`
	metrics.QueueMetrics `json:"queue"`
	DeadLetterCount  int64 `json:"dead_letter_count"`
	CurrentReplicas  int   `json:"current_replicas,omitempty"`
}

// Stats reports queue depth and dead-letter count for class, and
// current replica count when a Backend is configured.
func (c *Commands) Stats(ctx context.Context, class string) (ClassStats, error) {
	wc, stream, group, deadStream := c.classStreams(class)
	sampler := metrics.NewSampler(c.store, wc.OldestPendingAgeMax)
	qm, err := sampler.Sample(ctx, stream, group)
	if err != nil {
		return ClassStats{}, fmt.Errorf("sample queue metrics: %w", err)
	}
	deadLen, err := c.broker.Len(ctx, deadStream)
	if err != nil {
		return ClassStats{}, fmt.Errorf("dead letter length: %w", err)
	}
	out := ClassStats{Class: class, Stream: stream, QueueMetrics: qm, DeadLetterCount: deadLen}
	if c.backend != nil {
		if n, err := c.backend.CurrentReplicas(ctx, class); err == nil {
			out.CurrentReplicas = n
		}
	}
	return out, nil
}

func (c *Commands) classStreams(class string) (config.WorkerClassConfig, string, string, string) {
	wc := c.cfg.Scaling.Classes[class]
	stream := wc.QueueName
	if stream == "" {
		stream = c.cfg.ClassJobsStream(class)
	}
	group := wc.ConsumerGroup
	if group == "" {
		group = class + "-workers"
	}
	return wc, stream, group, c.cfg.ClassDeadStream(class)
}

// Scale asks the configured backend to move class to target replicas,
// clamped to the class's configured [MinReplicas, MaxReplicas] bounds
// when that class is known to the scaling config.
func (c *Commands) Scale(ctx context.Context, class string, target int) error {
	if c.backend == nil {
		return fmt.Errorf("no scaling backend configured")
	}
	if wc, ok := c.cfg.Scaling.Classes[class]; ok {
		if target < wc.MinReplicas {
			target = wc.MinReplicas
		}
		if target > wc.MaxReplicas {
			target = wc.MaxReplicas
		}
	}
	return c.backend.Scale(ctx, class, target)
}

// Drain scales class to zero replicas, for planned maintenance. It
// does not alter the class's configured MinReplicas, so the autoscaler
// will bring it back once normal scaling decisions resume (the caller
// is expected to pause the autoscaler loop for class first if that is
// not desired).
func (c *Commands) Drain(ctx context.Context, class string) error {
	if c.backend == nil {
		return fmt.Errorf("no scaling backend configured")
	}
	return c.backend.Scale(ctx, class, 0)
}

// DeadLetterEntry is one row of a dead-letter stream browse.
type DeadLetterEntry struct {
	EntryID string     `json:"entry_id"`
	Job     queue.Job  `json:"job"`
	Reason  string     `json:"reason"`
	At      *time.Time `json:"dead_lettered_at,omitempty"`
}

// PeekDeadLetter returns up to limit of the most recently dead-lettered
// entries for class, newest first.
func (c *Commands) PeekDeadLetter(ctx context.Context, class string, limit int64) ([]DeadLetterEntry, error) {
	_, _, _, deadStream := c.classStreams(class)
	msgs, err := c.store.XRevRangeN(ctx, deadStream, limit)
	if err != nil {
		return nil, fmt.Errorf("peek dead letter: %w", err)
	}
	out := make([]DeadLetterEntry, 0, len(msgs))
	for _, m := range msgs {
		job, err := queue.UnmarshalJob(m.Values)
		if err != nil {
			continue
		}
		entry := DeadLetterEntry{EntryID: m.ID, Job: job}
		entry.Reason, _ = m.Values["dead_letter_reason"].(string)
		if ts, ok := m.Values["dead_lettered_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				entry.At = &t
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// ReprocessDeadLetter republishes up to limit dead-lettered jobs for
// class back onto its jobs stream and removes them from the
// dead-letter stream. resetRetryCount follows Open Question (c):
// manual operator-triggered reprocessing resets the retry budget,
// cron-scheduled automatic reprocessing does not.
func (c *Commands) ReprocessDeadLetter(ctx context.Context, class string, limit int64, resetRetryCount bool) (int, error) {
	_, stream, _, deadStream := c.classStreams(class)
	entries, err := c.PeekDeadLetter(ctx, class, limit)
	if err != nil {
		return 0, err
	}
	reprocessed := 0
	for _, e := range entries {
		if _, err := c.broker.Redeliver(ctx, stream, e.Job, resetRetryCount); err != nil {
			return reprocessed, fmt.Errorf("redeliver %s: %w", e.Job.ID, err)
		}
		if err := c.store.XDel(ctx, deadStream, e.EntryID); err != nil {
			return reprocessed, fmt.Errorf("remove dead entry %s: %w", e.EntryID, err)
		}
		reprocessed++
	}
	return reprocessed, nil
}

// PurgeDeadLetter discards every entry on class's dead-letter stream.
func (c *Commands) PurgeDeadLetter(ctx context.Context, class string) error {
	_, _, _, deadStream := c.classStreams(class)
	return c.store.XTrim(ctx, deadStream, 0)
}

// PurgeAll discards every jobs and dead-letter stream for every class
// known to the scaling config. Unlike the teacher's admin.PurgeAll,
// this cannot also sweep arbitrary per-worker processing-list keys by
// pattern scan: the store.Commands surface deliberately has no KEYS/SCAN
// method (every caller addresses a named stream or hash key), so purge
// is scoped to the streams this package already knows about.
func (c *Commands) PurgeAll(ctx context.Context) (int, error) {
	purged := 0
	for class := range c.cfg.Scaling.Classes {
		_, stream, _, deadStream := c.classStreams(class)
		if err := c.store.XTrim(ctx, stream, 0); err != nil {
			return purged, fmt.Errorf("purge %s: %w", stream, err)
		}
		purged++
		if err := c.store.XTrim(ctx, deadStream, 0); err != nil {
			return purged, fmt.Errorf("purge %s: %w", deadStream, err)
		}
		purged++
	}
	return purged, nil
}

// BenchResult mirrors the teacher's admin.BenchResult shape.
type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
}

// Bench publishes count synthetic jobs of kind "bench" onto class's
// stream with a dedicated reply stream, then waits up to timeout for
// that many replies, computing throughput and tail latency from each
// job's local publish time and its reply's FinishedAt. It requires a worker with a "bench" handler
// registered (typically an echo handler) to be consuming the class.
func (c *Commands) Bench(ctx context.Context, class string, count, payloadSize int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if payloadSize <= 0 {
		payloadSize = 64
	}
	_, stream, _, _ := c.classStreams(class)
	replyStream := fmt.Sprintf("%s:bench-replies:%d", stream, time.Now().UnixNano())
	payload, _ := json.Marshal(map[string]string{"pad": fmt.Sprintf("%0*d", payloadSize, 0)})

	start := time.Now()
	submitted := make(map[string]time.Time, count)
	for i := 0; i < count; i++ {
		job := queue.Job{ID: fmt.Sprintf("bench-%d-%d", start.UnixNano(), i), Kind: "bench", Payload: payload, ReplyStream: replyStream}
		if _, err := c.broker.Publish(ctx, stream, job); err != nil {
			return res, fmt.Errorf("publish bench job %d: %w", i, err)
		}
		submitted[job.ID] = time.Now()
	}

	deadline := time.Now().Add(timeout)
	var replies []queue.Result
	for time.Now().Before(deadline) {
		n, err := c.broker.Len(ctx, replyStream)
		if err == nil && n >= int64(count) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}

	msgs, err := c.store.XRevRangeN(ctx, replyStream, int64(count))
	if err == nil {
		for _, m := range msgs {
			if r, err := queue.UnmarshalResult(m.Values); err == nil {
				replies = append(replies, r)
			}
		}
	}
	res.P50, res.P95 = latencyPercentiles(replies, submitted)
	_ = c.store.XTrim(ctx, replyStream, 0)
	return res, nil
}

// latencyPercentiles computes submit-to-reply latency percentiles.
// Publish does not return the timestamp it stamped onto the job, so
// this approximates SubmittedAt with the local time immediately after
// each publish call rather than re-parsing the job back off the stream.
func latencyPercentiles(replies []queue.Result, submitted map[string]time.Time) (p50, p95 time.Duration) {
	lats := make([]float64, 0, len(replies))
	for _, r := range replies {
		sentAt, ok := submitted[r.JobID]
		if !ok {
			continue
		}
		lats = append(lats, r.FinishedAt.Sub(sentAt).Seconds())
	}
	if len(lats) == 0 {
		return 0, 0
	}
	sort.Float64s(lats)
	idx50 := int(math.Round(0.50 * float64(len(lats)-1)))
	idx95 := int(math.Round(0.95 * float64(len(lats)-1)))
	return time.Duration(lats[idx50] * float64(time.Second)), time.Duration(lats[idx95] * float64(time.Second))
}
