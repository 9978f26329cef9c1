package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/config"
	"github.com/aristath/beacon/internal/domain"
	"github.com/aristath/beacon/internal/jobs"
	"github.com/aristath/beacon/internal/source"
	"github.com/aristath/beacon/internal/watermark"
)

// Skip reasons recorded on skipped runs.
const (
	skipBeforeStart = "tick before job start bound"
	skipAfterEnd    = "tick after job end bound"
	skipOverlap     = "previous run still active"
	skipNoNewData   = "no source reports newer data"
)

// Runner executes one job tick end to end: guard predicates, stage
// sequencing, and the JobRun lifecycle. Each job has at most one active
// run; an overlapping tick is recorded as skipped, never queued.
type Runner struct {
	registry   *jobs.Registry
	runs       *RunRepository
	watermarks *watermark.Store
	adapter    *source.Adapter
	log        zerolog.Logger

	activeMu sync.Mutex
	active   map[string]bool
}

// NewRunner creates a job runner.
func NewRunner(registry *jobs.Registry, runs *RunRepository, watermarks *watermark.Store, adapter *source.Adapter, log zerolog.Logger) *Runner {
	return &Runner{
		registry:   registry,
		runs:       runs,
		watermarks: watermarks,
		adapter:    adapter,
		log:        log.With().Str("component", "runner").Logger(),
		active:     make(map[string]bool),
	}
}

// RunJob executes one tick of a job and returns the terminal run row.
// The run is durable before any stage executes, so a crash mid-run shows
// up as a stuck "running" row rather than a missing tick.
func (r *Runner) RunJob(ctx context.Context, job config.JobConfig, tick time.Time) domain.JobRun {
	run := domain.JobRun{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		TickTime:  tick.UTC(),
		StartedAt: time.Now().UTC(),
		Status:    domain.RunRunning,
	}

	if reason := r.boundsCheck(job, tick); reason != "" {
		return r.record(run, domain.RunSkipped, reason)
	}

	release, ok := r.acquireLocks(job)
	if !ok {
		return r.record(run, domain.RunSkipped, skipOverlap)
	}
	defer release()

	if reason := r.guardCheck(ctx, job); reason != "" {
		return r.record(run, domain.RunSkipped, reason)
	}

	if err := r.runs.Create(&run); err != nil {
		r.log.Error().Err(err).Str("job", job.ID).Msg("Failed to record run start")
		run.Status = domain.RunFailed
		run.Error = err.Error()
		return run
	}

	err := r.executeStages(ctx, job)

	now := time.Now().UTC()
	run.EndedAt = &now
	if err != nil {
		run.Status = domain.RunFailed
		run.Error = err.Error()
		r.log.Error().Err(err).Str("job", job.ID).Str("run", run.ID).Msg("Run failed")
	} else {
		run.Status = domain.RunSucceeded
		r.log.Info().
			Str("job", job.ID).
			Str("run", run.ID).
			Dur("elapsed", now.Sub(run.StartedAt)).
			Msg("Run succeeded")
	}

	if ferr := r.runs.Finish(run.ID, run.Status, run.Error, now); ferr != nil {
		r.log.Error().Err(ferr).Str("run", run.ID).Msg("Failed to record run outcome")
	}
	return run
}

// executeStages runs the job's stages in order under the job's deadline.
func (r *Runner) executeStages(ctx context.Context, job config.JobConfig) error {
	stages, err := r.registry.Resolve(job.Stages)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, job.Interval)
	defer cancel()

	state := &jobs.State{}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run deadline exceeded before stage %s: %w", stage.Name(), err)
		}
		if err := stage.Run(ctx, job, state); err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
	}
	return nil
}

// boundsCheck enforces the job's optional active window.
func (r *Runner) boundsCheck(job config.JobConfig, tick time.Time) string {
	if job.Start != nil && tick.Before(*job.Start) {
		return skipBeforeStart
	}
	if job.End != nil && tick.After(*job.End) {
		return skipAfterEnd
	}
	return ""
}

// guardCheck skips a sync job when no source has anything newer than its
// watermark. A failing guard is treated as inconclusive and the run
// proceeds, letting the sync stage surface the real error.
func (r *Runner) guardCheck(ctx context.Context, job config.JobConfig) string {
	if len(job.Sources) == 0 {
		return ""
	}

	for _, srcID := range job.Sources {
		wm, err := r.watermarks.Get(job.ID, srcID)
		if err != nil {
			r.log.Warn().Err(err).Str("job", job.ID).Str("source", srcID).Msg("Guard check inconclusive")
			return ""
		}

		has, err := r.adapter.HasNewer(ctx, srcID, wm)
		if err != nil {
			r.log.Warn().Err(err).Str("job", job.ID).Str("source", srcID).Msg("Guard check inconclusive")
			return ""
		}
		if has {
			return ""
		}
	}
	return skipNoNewData
}

// record persists a run that never started its stages.
func (r *Runner) record(run domain.JobRun, status domain.RunStatus, reason string) domain.JobRun {
	now := time.Now().UTC()
	run.Status = status
	run.Error = reason
	run.EndedAt = &now

	if err := r.runs.Create(&run); err != nil {
		r.log.Error().Err(err).Str("job", run.JobID).Msg("Failed to record run")
		return run
	}
	if err := r.runs.Finish(run.ID, status, reason, now); err != nil {
		r.log.Error().Err(err).Str("run", run.ID).Msg("Failed to record run outcome")
	}

	r.log.Info().Str("job", run.JobID).Str("status", string(status)).Str("reason", reason).Msg("Run skipped")
	return run
}

// acquireLocks takes the job's overlap lock plus the run-level watermark
// lock for each of its sources, so every watermark has exactly one writer
// for the duration of the run. Returns false without blocking when any
// lock is held, leaving nothing acquired.
func (r *Runner) acquireLocks(job config.JobConfig) (func(), bool) {
	if !r.acquire(job.ID) {
		return nil, false
	}
	unlocks := []func(){func() { r.release(job.ID) }}

	for _, srcID := range job.Sources {
		unlock, ok := r.watermarks.TryLock(job.ID, srcID)
		if !ok {
			for _, u := range unlocks {
				u()
			}
			return nil, false
		}
		unlocks = append(unlocks, unlock)
	}

	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}, true
}

func (r *Runner) acquire(jobID string) bool {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	if r.active[jobID] {
		return false
	}
	r.active[jobID] = true
	return true
}

func (r *Runner) release(jobID string) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	delete(r.active, jobID)
}
