// Package jobs assembles the pipeline stages scheduled jobs execute:
// sync, aggregate, alert, drift, and retention. Stages run sequentially
// within a job and hand results forward through the run state.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/aggregate"
	"github.com/aristath/beacon/internal/alerts"
	"github.com/aristath/beacon/internal/config"
	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
	"github.com/aristath/beacon/internal/drift"
	"github.com/aristath/beacon/internal/quality"
	"github.com/aristath/beacon/internal/retention"
	"github.com/aristath/beacon/internal/source"
	"github.com/aristath/beacon/internal/store"
	"github.com/aristath/beacon/internal/watermark"
)

// Recent prices consulted when scoring a record's plausibility.
const scoringLookback = 20

// Trailing buckets alert rules use as their baseline.
const alertHistoryBuckets = 24

// State carries intermediate results between the stages of one run.
type State struct {
	Synced  []domain.Record
	Buckets []domain.AggregateBucket
}

// Stage is one step of a job. A stage returning an error fails the whole
// run; later stages do not execute.
type Stage interface {
	Name() string
	Run(ctx context.Context, job config.JobConfig, state *State) error
}

// SyncStage pulls new records from each of the job's sources, scores
// them, and commits each source's batch and watermark atomically.
type SyncStage struct {
	adapter    *source.Adapter
	scorer     *quality.Scorer
	records    *store.RecordStore
	watermarks *watermark.Store
	log        zerolog.Logger
}

// NewSyncStage creates the sync stage.
func NewSyncStage(adapter *source.Adapter, scorer *quality.Scorer, records *store.RecordStore, watermarks *watermark.Store, log zerolog.Logger) *SyncStage {
	return &SyncStage{
		adapter:    adapter,
		scorer:     scorer,
		records:    records,
		watermarks: watermarks,
		log:        log.With().Str("component", "sync_stage").Logger(),
	}
}

// Name implements Stage.
func (s *SyncStage) Name() string { return "sync" }

// Run implements Stage. Sources are independent: one failing source
// fails the run (so the window is retried), but only after the others
// have committed their batches.
func (s *SyncStage) Run(ctx context.Context, job config.JobConfig, state *State) error {
	var firstErr error

	for _, srcID := range job.Sources {
		synced, err := s.syncSource(ctx, job.ID, srcID)
		if err != nil {
			s.log.Error().Err(err).Str("job", job.ID).Str("source", srcID).Msg("Source sync failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("sync of %s failed: %w", srcID, err)
			}
			continue
		}
		state.Synced = append(state.Synced, synced...)
	}

	return firstErr
}

func (s *SyncStage) syncSource(ctx context.Context, jobID, srcID string) ([]domain.Record, error) {
	wm, err := s.watermarks.Get(jobID, srcID)
	if err != nil {
		return nil, err
	}

	records, candidate, err := s.adapter.Fetch(ctx, srcID, wm)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		s.log.Debug().Str("job", jobID).Str("source", srcID).Msg("Source has nothing new")
		return nil, nil
	}

	belowGate := 0
	for i := range records {
		recent, err := s.records.RecentPrices(records[i].Symbol, s.scorer.MinScore(), scoringLookback)
		if err != nil {
			return nil, err
		}
		records[i].QualityScore = s.scorer.Score(records[i], recent)
		if !s.scorer.Qualifies(records[i].QualityScore) {
			belowGate++
		}
	}

	var inserted int
	err = database.WithTransaction(s.records.DB().Conn(), func(tx *sql.Tx) error {
		n, err := s.records.UpsertBatchTx(tx, records)
		if err != nil {
			return err
		}
		inserted = n
		return s.watermarks.AdvanceTx(tx, jobID, srcID, candidate)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("job", jobID).
		Str("source", srcID).
		Int("fetched", len(records)).
		Int("inserted", inserted).
		Int("updated", len(records)-inserted).
		Int("below_gate", belowGate).
		Time("watermark", candidate).
		Msg("Source synced")

	return records, nil
}

// AggregateStage rebuilds every bucket the synced records touched.
type AggregateStage struct {
	aggregator *aggregate.Aggregator
	log        zerolog.Logger
}

// NewAggregateStage creates the aggregate stage.
func NewAggregateStage(aggregator *aggregate.Aggregator, log zerolog.Logger) *AggregateStage {
	return &AggregateStage{
		aggregator: aggregator,
		log:        log.With().Str("component", "aggregate_stage").Logger(),
	}
}

// Name implements Stage.
func (s *AggregateStage) Name() string { return "aggregate" }

// Run implements Stage.
func (s *AggregateStage) Run(_ context.Context, job config.JobConfig, state *State) error {
	if len(state.Synced) == 0 {
		s.log.Debug().Str("job", job.ID).Msg("No synced records, nothing to aggregate")
		return nil
	}

	buckets, err := s.aggregator.RebuildTouched(state.Synced)
	if err != nil {
		return fmt.Errorf("aggregation failed: %w", err)
	}
	state.Buckets = buckets

	s.log.Info().Str("job", job.ID).Int("buckets", len(buckets)).Msg("Buckets rebuilt")
	return nil
}

// AlertStage evaluates the rule table against every rebuilt bucket.
type AlertStage struct {
	engine  *alerts.Engine
	buckets *aggregate.Repository
	log     zerolog.Logger
}

// NewAlertStage creates the alert stage.
func NewAlertStage(engine *alerts.Engine, buckets *aggregate.Repository, log zerolog.Logger) *AlertStage {
	return &AlertStage{
		engine:  engine,
		buckets: buckets,
		log:     log.With().Str("component", "alert_stage").Logger(),
	}
}

// Name implements Stage.
func (s *AlertStage) Name() string { return "alert" }

// Run implements Stage.
func (s *AlertStage) Run(ctx context.Context, job config.JobConfig, state *State) error {
	raised := 0
	for i := range state.Buckets {
		b := &state.Buckets[i]

		history, err := s.buckets.HistoryBefore(b.Entity, b.Granularity, b.BucketStart, alertHistoryBuckets)
		if err != nil {
			return err
		}

		newAlerts, err := s.engine.Evaluate(ctx, b, history)
		if err != nil {
			return fmt.Errorf("rule evaluation failed for %s: %w", b.Entity, err)
		}
		raised += len(newAlerts)
	}

	if raised > 0 {
		s.log.Info().Str("job", job.ID).Int("raised", raised).Msg("Alerts raised")
	}
	return nil
}

// DriftStage runs the model drift check.
type DriftStage struct {
	monitor *drift.Monitor
	log     zerolog.Logger
}

// NewDriftStage creates the drift stage.
func NewDriftStage(monitor *drift.Monitor, log zerolog.Logger) *DriftStage {
	return &DriftStage{
		monitor: monitor,
		log:     log.With().Str("component", "drift_stage").Logger(),
	}
}

// Name implements Stage.
func (s *DriftStage) Name() string { return "drift" }

// Run implements Stage.
func (s *DriftStage) Run(ctx context.Context, job config.JobConfig, _ *State) error {
	requests, err := s.monitor.Check(ctx)
	if err != nil {
		return fmt.Errorf("drift check failed: %w", err)
	}
	if len(requests) > 0 {
		s.log.Warn().Str("job", job.ID).Int("retrain_requests", len(requests)).Msg("Models need retraining")
	}
	return nil
}

// RetentionStage runs the archive-then-delete sweep.
type RetentionStage struct {
	manager *retention.Manager
	log     zerolog.Logger
}

// NewRetentionStage creates the retention stage.
func NewRetentionStage(manager *retention.Manager, log zerolog.Logger) *RetentionStage {
	return &RetentionStage{
		manager: manager,
		log:     log.With().Str("component", "retention_stage").Logger(),
	}
}

// Name implements Stage.
func (s *RetentionStage) Name() string { return "retention" }

// Run implements Stage.
func (s *RetentionStage) Run(ctx context.Context, job config.JobConfig, _ *State) error {
	res, err := s.manager.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	s.log.Info().
		Str("job", job.ID).
		Int("archived", res.Archived).
		Int("deleted", res.Deleted).
		Msg("Retention sweep finished")
	return nil
}

// Registry resolves configured stage names to stage implementations.
type Registry struct {
	stages map[string]Stage
}

// NewRegistry creates a registry over the given stages.
func NewRegistry(stages ...Stage) *Registry {
	byName := make(map[string]Stage, len(stages))
	for _, s := range stages {
		byName[s.Name()] = s
	}
	return &Registry{stages: byName}
}

// Resolve maps a job's stage names to implementations, preserving order.
func (r *Registry) Resolve(names []string) ([]Stage, error) {
	resolved := make([]Stage, 0, len(names))
	for _, name := range names {
		s, ok := r.stages[name]
		if !ok {
			return nil, &domain.ConfigurationError{Field: "Stages", Reason: "unknown stage " + name}
		}
		resolved = append(resolved, s)
	}
	return resolved, nil
}
