package drift

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/config"
	"github.com/aristath/beacon/internal/domain"
	"github.com/aristath/beacon/pkg/formulas"
)

// Forecaster evaluates a model's current performance. The evaluation
// itself (backtesting, holdout scoring) lives outside this process; the
// monitor only consumes its verdicts.
type Forecaster interface {
	Evaluate(ctx context.Context, modelID string) (domain.ModelPerformanceMetric, error)
}

// Retrain reasons, worst condition wins when several hold at once.
const (
	ReasonAccuracyFloor      = "accuracy_below_floor"
	ReasonDriftCeiling       = "drift_above_ceiling"
	ReasonBaselineRegression = "accuracy_below_rolling_baseline"
)

// Monitor checks each configured model against absolute thresholds and
// its own rolling baseline, persists every evaluation, and requests
// retraining for degraded models.
type Monitor struct {
	forecaster Forecaster
	repo       *Repository
	cfg        config.DriftConfig
	log        zerolog.Logger
}

// NewMonitor creates a drift monitor.
func NewMonitor(forecaster Forecaster, repo *Repository, cfg config.DriftConfig, log zerolog.Logger) *Monitor {
	return &Monitor{
		forecaster: forecaster,
		repo:       repo,
		cfg:        cfg,
		log:        log.With().Str("component", "drift_monitor").Logger(),
	}
}

// Check evaluates every configured model. Each model is independent: a
// failing evaluation is logged and the remaining models still run.
// Returns the retrain requests raised during this check.
func (m *Monitor) Check(ctx context.Context) ([]domain.RetrainRequest, error) {
	var requests []domain.RetrainRequest
	var failures int

	for _, modelID := range m.cfg.Models {
		req, err := m.checkModel(ctx, modelID)
		if err != nil {
			failures++
			m.log.Error().Err(err).Str("model_id", modelID).Msg("Model check failed")
			continue
		}
		if req != nil {
			requests = append(requests, *req)
		}
	}

	if failures == len(m.cfg.Models) && failures > 0 {
		return requests, fmt.Errorf("all %d model checks failed", failures)
	}
	return requests, nil
}

// checkModel evaluates one model and decides whether it needs retraining.
// The evaluation is persisted before any verdict so the metric history
// stays complete even when the decision path errors out.
func (m *Monitor) checkModel(ctx context.Context, modelID string) (*domain.RetrainRequest, error) {
	metric, err := m.forecaster.Evaluate(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	if metric.EvaluatedAt.IsZero() {
		metric.EvaluatedAt = time.Now().UTC()
	}
	metric.ModelID = modelID

	if err := m.repo.InsertMetric(metric); err != nil {
		return nil, err
	}

	baseline, err := m.repo.RecentAccuracies(modelID, metric.EvaluatedAt, m.cfg.BaselineRuns)
	if err != nil {
		return nil, err
	}

	reason, deficit := m.verdict(metric, baseline)

	m.log.Info().
		Str("model_id", modelID).
		Float64("accuracy", metric.Accuracy).
		Float64("drift_score", metric.DriftScore).
		Int("baseline_runs", len(baseline)).
		Str("verdict", reason).
		Msg("Model evaluated")

	if reason == "" {
		return nil, nil
	}

	req := &domain.RetrainRequest{
		ModelID:     modelID,
		Reason:      reason,
		Deficit:     deficit,
		RequestedAt: metric.EvaluatedAt,
	}
	if err := m.repo.InsertRetrainRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

// verdict returns the retrain reason and deficit, or an empty reason for
// a healthy model. Conditions are checked worst-first: an accuracy floor
// breach outranks drift, which outranks baseline regression. The rolling
// baseline only applies once enough history has accumulated, so a young
// model is judged on absolute thresholds alone.
func (m *Monitor) verdict(metric domain.ModelPerformanceMetric, baseline []float64) (string, float64) {
	if metric.Accuracy < m.cfg.MinAccuracy {
		return ReasonAccuracyFloor, m.cfg.MinAccuracy - metric.Accuracy
	}
	if metric.DriftScore > m.cfg.MaxDrift {
		return ReasonDriftCeiling, metric.DriftScore - m.cfg.MaxDrift
	}
	if len(baseline) >= m.cfg.BaselineRuns {
		mean := formulas.Mean(baseline)
		if regression := mean - metric.Accuracy; regression > m.cfg.MaxDrift {
			return ReasonBaselineRegression, regression
		}
	}
	return "", 0
}
