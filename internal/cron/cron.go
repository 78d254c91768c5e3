// Package cron schedules the runtime's background maintenance jobs on
// cron expressions.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// jobTimeout bounds one maintenance run.
const jobTimeout = 5 * time.Minute

// Job is one scheduled maintenance task.
type Job func(ctx context.Context) error

// Scheduler runs registered jobs on their cron schedules. Jobs run
// sequentially per schedule; a failing job logs and waits for its next
// tick.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler builds an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		logger: logger.With("component", "cron"),
	}
}

// Add registers a job under a standard 5-field cron spec.
func (s *Scheduler) Add(spec, name string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		if err := job(ctx); err != nil {
			s.logger.Error("maintenance job failed", "job", name, "error", err)
			return
		}
		s.logger.Info("maintenance job completed", "job", name,
			"duration_ms", time.Since(start).Milliseconds())
	})
	return err
}

// Start begins scheduling in a background goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
