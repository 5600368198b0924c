// Package cleanup runs the periodic maintenance jobs: purging expired refresh
// tokens and flagging unpaid fees past their due date.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const jobTimeout = 4 * time.Minute

// Job is one maintenance task. Run reports how many rows it touched.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

type Scheduler struct {
	cron   *cron.Cron
	jobs   []Job
	logger *slog.Logger
}

// New schedules jobs on schedule, a standard cron expression or descriptor
// such as "@hourly". A tick that finds the previous run still busy is skipped.
func New(schedule string, logger *slog.Logger, jobs ...Job) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		jobs:   jobs,
		logger: logger,
	}

	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce runs every job in order. A failing job is logged and does not
// stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		start := time.Now()
		n, err := job.Run(jobCtx)
		cancel()

		if err != nil {
			s.logger.ErrorContext(ctx, "cleanup job failed", "job", job.Name, "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "cleanup job finished", "job", job.Name, "rows", n, "duration", time.Since(start))
	}
}

func (s *Scheduler) Start() {
	s.logger.Info("cleanup scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop waits for a running job to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("cleanup scheduler stop timed out")
	}
}
