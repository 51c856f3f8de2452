// Copyright 2025 James Ross
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/flyingrobots/taskctl/internal/archive"
	"github.com/flyingrobots/taskctl/internal/breaker"
	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/flyingrobots/taskctl/internal/obs"
	"github.com/flyingrobots/taskctl/internal/queue"
	"github.com/flyingrobots/taskctl/internal/store"
	"go.uber.org/zap"
)

// Worker runs cfg.Worker.Concurrency consumer goroutines against a
// single class's jobs stream, dispatching each delivery through a
// Dispatcher and driving it to Ack, retry-with-backoff, or dead-letter.
type Worker struct {
	cfg        *config.Config
	store      store.Commands
	broker     *queue.Broker
	dispatcher *Dispatcher
	cb         *breaker.CircuitBreaker
	log        *zap.Logger
	hostname   string
	startedAt  time.Time
	baseID     string
	archive    *archive.Sink

	mu        sync.Mutex
	states    map[string]State
	processed map[string]int64
	failed    map[string]int64
	sessions  map[string]*SessionManager
}

// New builds a Worker bound to s (typically a *store.Resilient) and
// dispatcher. cb is the worker's own circuit breaker, separate from the
// one inside a *store.Resilient; it records both consume and dispatch
// outcomes, so a worker backs off once reads or handlers keep failing
// rather than hammering the store with XREADGROUP calls.
func New(cfg *config.Config, s store.Commands, dispatcher *Dispatcher, cb *breaker.CircuitBreaker, log *zap.Logger) *Worker {
	hostname, _ := os.Hostname()
	return &Worker{
		cfg:        cfg,
		store:      s,
		broker:     queue.NewBroker(s),
		dispatcher: dispatcher,
		cb:         cb,
		log:        log,
		hostname:   hostname,
		startedAt:  time.Now(),
		baseID:     fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano()),
		states:     map[string]State{},
		processed:  map[string]int64{},
		failed:     map[string]int64{},
		sessions:   map[string]*SessionManager{},
	}
}

// AttachArchiveSink wires an archive.Sink so every terminal Result
// (success or dead letter) is also queued for long-term ClickHouse
// storage. Optional: a Worker with no sink attached just skips the
// RecordResult call.
func (w *Worker) AttachArchiveSink(s *archive.Sink) {
	w.archive = s
}

func (w *Worker) streamAndGroup() (stream, group, deadStream string) {
	class := w.cfg.Worker.Class
	if wc, ok := w.cfg.Scaling.Classes[class]; ok && wc.QueueName != "" {
		stream = wc.QueueName
	} else {
		stream = w.cfg.ClassJobsStream(class)
	}
	if wc, ok := w.cfg.Scaling.Classes[class]; ok && wc.ConsumerGroup != "" {
		group = wc.ConsumerGroup
	} else {
		group = class + "-workers"
	}
	deadStream = w.cfg.ClassDeadStream(class)
	return
}

// Run blocks until ctx is canceled, spawning one consumer goroutine per
// cfg.Worker.Concurrency slot plus a background reclaimer for the
// class's stream, and returns once they have all drained.
func (w *Worker) Run(ctx context.Context) error {
	stream, group, deadStream := w.streamAndGroup()
	if err := w.broker.EnsureGroup(ctx, stream, group); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	concurrency := w.cfg.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", w.baseID, i)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			w.heartbeatLoop(ctx, id)
		}(workerID)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			w.runOne(ctx, id, stream, group, deadStream)
		}(workerID)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reclaimLoop(ctx, stream, group, deadStream)
	}()

	wg.Wait()
	return nil
}

func (w *Worker) runOne(ctx context.Context, workerID, stream, group, deadStream string) {
	tasksDone := 0
	consecutiveErrs := 0
	for {
		select {
		case <-ctx.Done():
			w.setState(workerID, StateShutdown)
			w.sessionManager(workerID).TeardownAll()
			return
		default:
		}

		if !w.cb.Allow() {
			w.setState(workerID, StateError)
			w.sleep(ctx, w.cfg.Worker.ErrorBackoffBase)
			continue
		}

		w.setState(workerID, StateWaiting)
		deliveries, err := w.broker.Consume(ctx, stream, group, workerID, 1, w.cfg.Worker.BlockTimeout)
		w.cb.Record(err == nil)
		if err != nil {
			consecutiveErrs++
			w.log.Warn("consume failed", zap.String("worker_id", workerID), zap.Error(err))
			if consecutiveErrs >= w.cfg.Worker.MaxConsecutiveErrs {
				w.setState(workerID, StateError)
				w.sleep(ctx, backoff(consecutiveErrs, w.cfg.Worker.ErrorBackoffBase, w.cfg.Worker.ErrorBackoffMax))
			}
			continue
		}
		consecutiveErrs = 0

		if len(deliveries) == 0 {
			w.setState(workerID, StateIdle)
			continue
		}

		for _, d := range deliveries {
			w.setState(workerID, StateBusy)
			w.processDelivery(ctx, workerID, stream, group, deadStream, d)
			tasksDone++

			if w.cfg.Worker.MaxTasksPerChild > 0 && tasksDone >= w.cfg.Worker.MaxTasksPerChild {
				w.log.Info("worker reached max_tasks_per_child, retiring",
					zap.String("worker_id", workerID), zap.Int("tasks", tasksDone))
				w.setState(workerID, StateShutdown)
				w.sessionManager(workerID).TeardownAll()
				return
			}
		}
	}
}

func (w *Worker) processDelivery(ctx context.Context, workerID, stream, group, deadStream string, d queue.Delivery) {
	class := w.cfg.Worker.Class
	env := w.cfg.Observability.DeploymentEnv
	region := w.cfg.Observability.Region

	spanCtx, span := obs.ContextWithJobSpan(ctx, d.Job)
	defer span.End()

	start := time.Now()
	session := w.sessionManager(workerID).Get(d.Job.Kind)

	payload, err := w.dispatcher.Dispatch(spanCtx, session, d.Job)
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
	w.cb.Record(err == nil)

	if err != nil {
		obs.RecordError(spanCtx, err)
		w.incFailed(workerID)
		obs.WorkerJobsFailed.WithLabelValues(workerID, class, w.hostname, env, region).Inc()

		if w.dispatcher.IsSessionFatal(d.Job.Kind, err) {
			w.sessionManager(workerID).Teardown(d.Job.Kind)
		}

		// A permanent failure (unknown kind, bad args, a handler that
		// explicitly raised HandlerPermanent) can never succeed on
		// retry, so it skips the retry budget and dead-letters now.
		if isPermanent(err) || d.Job.RetryCount >= w.cfg.Worker.MaxRetries {
			w.deadLetter(ctx, stream, deadStream, group, workerID, d, err)
		} else {
			w.retry(ctx, stream, group, workerID, d, err)
		}
		return
	}

	obs.SetSpanSuccess(spanCtx)
	w.incProcessed(workerID)
	obs.WorkerJobsProcessed.WithLabelValues(workerID, class, w.hostname, env, region).Inc()

	res := queue.Result{
		JobID:      d.Job.ID,
		Status:     queue.StatusOK,
		Payload:    payload,
		Attempt:    d.Job.RetryCount + 1,
		WorkerID:   workerID,
		FinishedAt: time.Now().UTC(),
	}
	if w.archive != nil {
		w.archive.RecordResult(res)
	}
	if err := w.broker.Reply(ctx, res, d.Job.ReplyStream); err != nil {
		w.log.Debug("reply publish failed", zap.String("job_id", d.Job.ID), zap.Error(err))
	}
	if err := w.broker.Ack(ctx, stream, group, d.EntryID); err != nil {
		w.log.Warn("ack failed", zap.String("job_id", d.Job.ID), zap.Error(err))
	}
}

// retry acks the delivered entry (clearing it from pending) and
// republishes a fresh entry with an incremented retry count after a
// backoff delay computed from that retry count, so the same failing
// job never wedges one consumer's pending entries list.
func (w *Worker) retry(ctx context.Context, stream, group, workerID string, d queue.Delivery, cause error) {
	if err := w.broker.Ack(ctx, stream, group, d.EntryID); err != nil {
		w.log.Warn("ack before retry failed", zap.String("job_id", d.Job.ID), zap.Error(err))
	}
	delay := backoff(d.Job.RetryCount+1, w.cfg.Worker.Backoff.Base, w.cfg.Worker.Backoff.Max)
	job := d.Job
	job.RetryCount++
	w.log.Info("retrying job", zap.String("job_id", job.ID), zap.Int("retry_count", job.RetryCount),
		zap.Duration("delay", delay), zap.Error(cause))

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if _, err := w.broker.Publish(context.Background(), stream, job); err != nil {
			w.log.Error("requeue after retry failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
}

func (w *Worker) deadLetter(ctx context.Context, stream, deadStream, group, workerID string, d queue.Delivery, cause error) {
	if err := w.broker.DeadLetter(ctx, stream, deadStream, group, d.EntryID, d.Job, cause.Error()); err != nil {
		w.log.Error("dead letter failed", zap.String("job_id", d.Job.ID), zap.Error(err))
	}
	status := queue.StatusTransientError
	if isPermanent(cause) {
		status = queue.StatusPermanentError
	}
	res := queue.Result{
		JobID:      d.Job.ID,
		Status:     status,
		Error:      cause.Error(),
		Attempt:    d.Job.RetryCount + 1,
		WorkerID:   workerID,
		FinishedAt: time.Now().UTC(),
	}
	if w.archive != nil {
		w.archive.RecordResult(res)
	}
	if err := w.broker.Reply(ctx, res, d.Job.ReplyStream); err != nil {
		w.log.Debug("reply publish failed", zap.String("job_id", d.Job.ID), zap.Error(err))
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (w *Worker) sessionManager(workerID string) *SessionManager {
	w.mu.Lock()
	defer w.mu.Unlock()
	sm, ok := w.sessions[workerID]
	if !ok {
		sm = NewSessionManager()
		w.sessions[workerID] = sm
	}
	return sm
}

func (w *Worker) setState(workerID string, s State) {
	w.mu.Lock()
	w.states[workerID] = s
	w.mu.Unlock()
	obs.WorkerState.WithLabelValues(workerID, w.cfg.Worker.Class, w.hostname,
		w.cfg.Observability.DeploymentEnv, w.cfg.Observability.Region).Set(float64(s))
}

func (w *Worker) stateFor(workerID string) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.states[workerID]
}

// statePriority ranks states by how urgently they deserve attention,
// independent of State's iota order (Shutdown sorts last there, but an
// idle worker that's draining is less concerning than one stuck in
// Error).
func statePriority(s State) int {
	switch s {
	case StateError:
		return 4
	case StateBusy:
		return 3
	case StateWaiting:
		return 2
	case StateIdle:
		return 1
	case StateShutdown:
		return 0
	default:
		return 0
	}
}

// aggregateState reports the most urgent State across every consumer
// goroutine this process runs, for /health to summarize one worker_id's
// whole fleet of goroutines as a single state.
func (w *Worker) aggregateState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.states) == 0 {
		return StateIdle
	}
	best := StateShutdown
	bestPriority := -1
	for _, s := range w.states {
		if p := statePriority(s); p > bestPriority {
			bestPriority = p
			best = s
		}
	}
	return best
}

// healthInfo builds the /health JSON body: aggregate lifecycle state
// across this process's consumer goroutines, folded together with the
// circuit breaker's own state (an open breaker degrades a process to
// "degraded" even if every individual goroutine still reports idle),
// plus a fresh resource sample.
func (w *Worker) healthInfo(ctx context.Context) obs.HealthInfo {
	state := w.aggregateState()
	status := "ok"
	switch {
	case state == StateError:
		status = "unhealthy"
	case w.cb.State() != breaker.Closed:
		status = "degraded"
	}
	return obs.HealthInfo{
		Status:        status,
		State:         state.String(),
		WorkerID:      w.baseID,
		UptimeSeconds: int64(time.Since(w.startedAt).Seconds()),
		Resources:     obs.SampleResources(),
		Timestamp:     time.Now().UTC(),
	}
}

func (w *Worker) incProcessed(workerID string) {
	w.mu.Lock()
	w.processed[workerID]++
	w.mu.Unlock()
}

func (w *Worker) incFailed(workerID string) {
	w.mu.Lock()
	w.failed[workerID]++
	w.mu.Unlock()
}

func (w *Worker) countersFor(workerID string) (processed, failed int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed[workerID], w.failed[workerID]
}

// backoff computes an exponential delay capped at max, doubling per
// retry starting from base at retries==1.
func backoff(retries int, base, max time.Duration) time.Duration {
	if retries < 1 {
		retries = 1
	}
	d := time.Duration(1<<uint(retries-1)) * base
	if d > max {
		return max
	}
	return d
}
