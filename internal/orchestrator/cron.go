// Copyright 2025 James Ross
package orchestrator

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ReprocessSchedule runs a periodic dead-letter reprocess sweep across
// one or more classes on a cron schedule, for operators who want stale
// dead letters retried automatically instead of waiting on a manual
// ReprocessDeadLetter call. It always runs with resetRetryCount=false
// per Open Question (c): an automatic sweep must not erase the signal
// that a job has already exhausted its retry budget, or a permanently
// broken job would loop through dead-letter and reprocessing forever
// without ever surfacing as stuck.
type ReprocessSchedule struct {
	cmds    *Commands
	cron    *cron.Cron
	log     *zap.Logger
	classes []string
	limit   int64
}

func NewReprocessSchedule(cmds *Commands, log *zap.Logger, classes []string, limit int64) *ReprocessSchedule {
	return &ReprocessSchedule{
		cmds:    cmds,
		cron:    cron.New(),
		log:     log,
		classes: classes,
		limit:   limit,
	}
}

// Start registers the sweep on spec (standard five-field cron syntax)
// and starts the scheduler. It returns the entry ID so callers can
// later remove it, e.g. during a planned maintenance drain.
func (s *ReprocessSchedule) Start(spec string) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return 0, err
	}
	s.cron.Start()
	return id, nil
}

func (s *ReprocessSchedule) Stop() context.Context { return s.cron.Stop() }

func (s *ReprocessSchedule) sweep() {
	ctx := context.Background()
	for _, class := range s.classes {
		n, err := s.cmds.ReprocessDeadLetter(ctx, class, s.limit, false)
		if err != nil {
			s.log.Warn("scheduled dead letter reprocess failed", zap.String("class", class), zap.Error(err))
			continue
		}
		if n > 0 {
			s.log.Info("scheduled dead letter reprocess", zap.String("class", class), zap.Int("reprocessed", n))
		}
	}
}
