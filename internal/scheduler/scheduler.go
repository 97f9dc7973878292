// Package scheduler runs periodic persistence housekeeping. Quota reset
// correctness is handled lazily inside the usage ledger and never
// depends on these jobs firing.
package scheduler

import (
	"log/slog"
	"time"

	"keypool/internal/db"

	"github.com/robfig/cron/v3"
)

const requestLogRetention = 30 * 24 * time.Hour

// Flusher is anything whose in-memory state should be written through to
// the database on a schedule.
type Flusher interface {
	Flush()
}

type Scheduler struct {
	db       db.Service
	flushers []Flusher
	c        *cron.Cron
	logger   *slog.Logger
}

func NewScheduler(dbService db.Service, log *slog.Logger, flushers ...Flusher) *Scheduler {
	return &Scheduler{
		db:       dbService,
		flushers: flushers,
		c:        cron.New(),
		logger:   log.With("component", "scheduler"),
	}
}

func (s *Scheduler) Start() {
	_, err := s.c.AddFunc("@hourly", func() {
		for _, f := range s.flushers {
			f.Flush()
		}
		s.logger.Debug("Flushed in-memory state to database")
	})
	if err != nil {
		s.logger.Error("Failed to schedule hourly flush job", "error", err)
	}

	_, err = s.c.AddFunc("@daily", func() {
		pruned, err := s.db.PruneRequestLogs(time.Now().Add(-requestLogRetention))
		if err != nil {
			s.logger.Error("Failed to prune request logs", "error", err)
			return
		}
		s.logger.Info("Pruned request logs", "removed", pruned)
	})
	if err != nil {
		s.logger.Error("Failed to schedule daily prune job", "error", err)
	}

	s.c.Start()
}

func (s *Scheduler) Stop() {
	s.c.Stop()
}
