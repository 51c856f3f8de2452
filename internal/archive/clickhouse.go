// Copyright 2025 James Ross
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/flyingrobots/taskctl/internal/queue"
	"github.com/flyingrobots/taskctl/internal/scaling"
)

// Sink batches job Results and ScalingEvents into ClickHouse,
// supplementing the store's bounded stream retention with a
// long-term, queryable history. It is optional: NewSink returns a
// Sink whose methods are no-ops when cfg.Archive.Enabled is false, so
// callers never need to branch on whether archiving is configured.
type Sink struct {
	db      *sql.DB
	cfg     *config.ArchiveConfig
	log     *zap.Logger
	enabled bool
	mu      sync.Mutex
	results []queue.Result
	events  []scaling.ScalingEvent
}

func NewSink(cfg *config.ArchiveConfig, log *zap.Logger) (*Sink, error) {
	s := &Sink{cfg: cfg, log: log, enabled: cfg.Enabled}
	if !s.enabled {
		return s, nil
	}
	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr:         []string{cfg.DSN},
		Auth:         clickhouse.Auth{Database: cfg.Database},
		Compression:  &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:  10 * time.Second,
		MaxOpenConns: cfg.MaxOpenConns,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	s.db = db
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTables(ctx context.Context) error {
	resultsTable := s.cfg.Table + "_results"
	eventsTable := s.cfg.Table + "_scaling_events"
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			job_id String,
			status LowCardinality(String),
			attempt UInt32,
			worker_id String,
			error String,
			finished_at DateTime64(3),
			archived_at DateTime64(3) DEFAULT now64(3)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(finished_at)
		ORDER BY (finished_at, job_id)
		TTL finished_at + INTERVAL 1 YEAR DELETE`, s.cfg.Database, resultsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			class LowCardinality(String),
			reason LowCardinality(String),
			previous_replicas Int32,
			target_replicas Int32,
			true_depth Int64,
			at DateTime64(3),
			archived_at DateTime64(3) DEFAULT now64(3)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(at)
		ORDER BY (class, at)
		TTL at + INTERVAL 1 YEAR DELETE`, s.cfg.Database, eventsTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure archive table: %w", err)
		}
	}
	return nil
}

// RecordResult queues a job Result for the next flush.
func (s *Sink) RecordResult(r queue.Result) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	s.results = append(s.results, r)
	full := len(s.results) >= s.cfg.BatchSize
	s.mu.Unlock()
	if full {
		go s.flushResults(context.Background())
	}
}

// RecordScalingEvent queues a ScalingEvent for the next flush.
func (s *Sink) RecordScalingEvent(ev scaling.ScalingEvent) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	full := len(s.events) >= s.cfg.BatchSize
	s.mu.Unlock()
	if full {
		go s.flushEvents(context.Background())
	}
}

// Run flushes both queues on cfg.Archive.FlushEvery until ctx is
// canceled, then does one final flush so nothing queued is lost.
func (s *Sink) Run(ctx context.Context) {
	if !s.enabled {
		return
	}
	interval := s.cfg.FlushEvery
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flushResults(context.Background())
			s.flushEvents(context.Background())
			return
		case <-ticker.C:
			s.flushResults(ctx)
			s.flushEvents(ctx)
		}
	}
}

func (s *Sink) flushResults(ctx context.Context) {
	s.mu.Lock()
	batch := s.results
	s.results = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := s.insertResults(ctx, batch); err != nil {
		s.log.Warn("archive flush results failed", zap.Error(err), zap.Int("count", len(batch)))
	}
}

func (s *Sink) insertResults(ctx context.Context, batch []queue.Result) error {
	table := s.cfg.Table + "_results"
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"INSERT INTO %s.%s (job_id, status, attempt, worker_id, error, finished_at) VALUES (?, ?, ?, ?, ?, ?)",
			s.cfg.Database, table))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range batch {
			if _, err := stmt.ExecContext(ctx, r.JobID, string(r.Status), r.Attempt, r.WorkerID, r.Error, r.FinishedAt); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *Sink) flushEvents(ctx context.Context) {
	s.mu.Lock()
	batch := s.events
	s.events = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := s.insertEvents(ctx, batch); err != nil {
		s.log.Warn("archive flush scaling events failed", zap.Error(err), zap.Int("count", len(batch)))
	}
}

func (s *Sink) insertEvents(ctx context.Context, batch []scaling.ScalingEvent) error {
	table := s.cfg.Table + "_scaling_events"
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"INSERT INTO %s.%s (class, reason, previous_replicas, target_replicas, true_depth, at) VALUES (?, ?, ?, ?, ?, ?)",
			s.cfg.Database, table))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, ev := range batch {
			if _, err := stmt.ExecContext(ctx, ev.Class, ev.Reason, ev.Previous, ev.Target, ev.TrueDepth, ev.At); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *Sink) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	retries := s.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.cfg.RetryDelay)
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
