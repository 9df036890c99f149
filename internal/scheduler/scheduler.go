package scheduler

import (
	"log/slog"
	"time"

	"keywarden/internal/db"
	"keywarden/internal/keystore"

	"github.com/robfig/cron/v3"
)

const logRetention = 30 * 24 * time.Hour

// Scheduler runs the daily housekeeping jobs. Usage counters reset lazily
// on read; the sweep exists so stats and the state file roll over at
// midnight UTC even when a provider sees no traffic.
type Scheduler struct {
	store  *keystore.Store
	db     db.Service
	logger *slog.Logger
	c      *cron.Cron
}

func NewScheduler(store *keystore.Store, dbService db.Service, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		db:     dbService,
		logger: logger.With("component", "scheduler"),
		c:      cron.New(cron.WithLocation(time.UTC)),
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.c.AddFunc("@daily", s.runDaily); err != nil {
		return err
	}
	s.c.Start()
	return nil
}

func (s *Scheduler) runDaily() {
	reset := s.store.SweepDailyReset()
	s.logger.Info("daily usage sweep complete", "keys_reset", reset)

	if s.db == nil {
		return
	}
	pruned, err := s.db.PruneRequestLogs(time.Now().UTC().Add(-logRetention))
	if err != nil {
		s.logger.Error("failed to prune request logs", "error", err)
		return
	}
	s.logger.Info("pruned old request logs", "removed", pruned)
}

func (s *Scheduler) Stop() {
	s.c.Stop()
}
