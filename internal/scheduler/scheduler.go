package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/config"
)

// Scheduler ticks registered jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	log    zerolog.Logger
}

// New creates a scheduler.
func New(runner *Runner, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		runner: runner,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// Register wires a job definition into the cron table. Disabled jobs
// are logged and skipped; a bad schedule is a configuration error.
//
// Schedule examples:
//   - "@every 5m"   - every five minutes
//   - "30 0 * * *"  - 00:30 daily
//   - "0 2 * * 0"   - 02:00 on Sundays
func (s *Scheduler) Register(job config.JobConfig) error {
	if !job.Enabled {
		s.log.Info().Str("job", job.ID).Msg("Job disabled, not scheduled")
		return nil
	}

	_, err := s.cron.AddFunc(job.Schedule, func() {
		s.runner.RunJob(context.Background(), job, time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.ID, err)
	}

	s.log.Info().
		Str("job", job.ID).
		Str("schedule", job.Schedule).
		Strs("stages", job.Stages).
		Msg("Job registered")
	return nil
}

// Start begins ticking.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts ticking and waits for in-flight runs started by cron to
// return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// RunNow executes one job immediately, outside its schedule. Guard
// predicates and overlap protection still apply.
func (s *Scheduler) RunNow(ctx context.Context, job config.JobConfig) {
	s.log.Info().Str("job", job.ID).Msg("Running job on demand")
	s.runner.RunJob(ctx, job, time.Now().UTC())
}
