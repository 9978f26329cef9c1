// Package drift tracks forecasting model performance over time and
// requests retraining when a model degrades.
package drift

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
)

// Repository persists model evaluations and retrain requests in the ops
// database.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a drift repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "drift_repository").Logger(),
	}
}

// InsertMetric stores one model evaluation.
func (r *Repository) InsertMetric(m domain.ModelPerformanceMetric) error {
	_, err := r.db.Exec(
		`INSERT INTO model_metrics (model_id, accuracy, drift_score, evaluated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(model_id, evaluated_at) DO UPDATE SET
		     accuracy    = excluded.accuracy,
		     drift_score = excluded.drift_score`,
		m.ModelID, m.Accuracy, m.DriftScore, m.EvaluatedAt.UTC().Unix(),
	)
	if err != nil {
		return &domain.StorageError{Op: "metric insert", Err: err}
	}
	return nil
}

// RecentAccuracies returns the accuracies of the most recent evaluations
// strictly before the cutoff, oldest first. This is the rolling baseline
// the current evaluation is compared against.
func (r *Repository) RecentAccuracies(modelID string, before time.Time, limit int) ([]float64, error) {
	rows, err := r.db.Query(
		`SELECT accuracy FROM (
		     SELECT accuracy, evaluated_at FROM model_metrics
		     WHERE model_id = ? AND evaluated_at < ?
		     ORDER BY evaluated_at DESC LIMIT ?
		 ) ORDER BY evaluated_at ASC`,
		modelID, before.UTC().Unix(), limit,
	)
	if err != nil {
		return nil, &domain.StorageError{Op: "baseline query", Err: err}
	}
	defer rows.Close()

	var accuracies []float64
	for rows.Next() {
		var a float64
		if err := rows.Scan(&a); err != nil {
			return nil, &domain.StorageError{Op: "baseline scan", Err: err}
		}
		accuracies = append(accuracies, a)
	}
	return accuracies, rows.Err()
}

// ListMetrics returns the latest evaluations for a model, newest first.
func (r *Repository) ListMetrics(modelID string, limit int) ([]domain.ModelPerformanceMetric, error) {
	rows, err := r.db.Query(
		`SELECT model_id, accuracy, drift_score, evaluated_at
		 FROM model_metrics WHERE model_id = ?
		 ORDER BY evaluated_at DESC LIMIT ?`,
		modelID, limit,
	)
	if err != nil {
		return nil, &domain.StorageError{Op: "metric list query", Err: err}
	}
	defer rows.Close()

	var metrics []domain.ModelPerformanceMetric
	for rows.Next() {
		var m domain.ModelPerformanceMetric
		var evaluatedAt int64
		if err := rows.Scan(&m.ModelID, &m.Accuracy, &m.DriftScore, &evaluatedAt); err != nil {
			return nil, &domain.StorageError{Op: "metric scan", Err: err}
		}
		m.EvaluatedAt = time.Unix(evaluatedAt, 0).UTC()
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// InsertRetrainRequest stores a retrain request.
func (r *Repository) InsertRetrainRequest(req *domain.RetrainRequest) error {
	_, err := r.db.Exec(
		`INSERT INTO retrain_requests (model_id, reason, deficit, requested_at)
		 VALUES (?, ?, ?, ?)`,
		req.ModelID, req.Reason, req.Deficit, req.RequestedAt.UTC().Unix(),
	)
	if err != nil {
		return &domain.StorageError{Op: "retrain request insert", Err: err}
	}
	return nil
}

// LastRetrainRequestAt returns when a model was last asked to retrain,
// or the zero time when it never was.
func (r *Repository) LastRetrainRequestAt(modelID string) (time.Time, error) {
	var requestedAt int64
	err := r.db.QueryRow(
		`SELECT COALESCE(MAX(requested_at), 0) FROM retrain_requests WHERE model_id = ?`,
		modelID,
	).Scan(&requestedAt)
	if err != nil {
		return time.Time{}, &domain.StorageError{Op: "retrain request lookup", Err: err}
	}
	if requestedAt == 0 {
		return time.Time{}, nil
	}
	return time.Unix(requestedAt, 0).UTC(), nil
}
