// Package scheduler ticks configured jobs on their cron schedules and
// owns the JobRun lifecycle: every tick leaves a durable run row, even
// when the job is skipped.
package scheduler

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
)

// RunRepository persists job runs in the ops database.
type RunRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRunRepository creates a job run repository.
func NewRunRepository(db *database.DB, log zerolog.Logger) *RunRepository {
	return &RunRepository{
		db:  db,
		log: log.With().Str("component", "run_repository").Logger(),
	}
}

// Create stores a new run row.
func (r *RunRepository) Create(run *domain.JobRun) error {
	_, err := r.db.Exec(
		`INSERT INTO job_runs (id, job_id, tick_time, started_at, status, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, run.TickTime.UTC().Unix(), run.StartedAt.UTC().Unix(),
		string(run.Status), run.Error,
	)
	if err != nil {
		return &domain.StorageError{Op: "run create", Err: err}
	}
	return nil
}

// Finish moves a run to a terminal status.
func (r *RunRepository) Finish(runID string, status domain.RunStatus, runErr string, endedAt time.Time) error {
	_, err := r.db.Exec(
		`UPDATE job_runs SET status = ?, error = ?, ended_at = ? WHERE id = ?`,
		string(status), runErr, endedAt.UTC().Unix(), runID,
	)
	if err != nil {
		return &domain.StorageError{Op: "run finish", Err: err}
	}
	return nil
}

// Get returns one run, or nil when unknown.
func (r *RunRepository) Get(runID string) (*domain.JobRun, error) {
	row := r.db.QueryRow(
		`SELECT id, job_id, tick_time, started_at, ended_at, status, error
		 FROM job_runs WHERE id = ?`, runID,
	)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "run get", Err: err}
	}
	return run, nil
}

// ListRecent returns the latest runs, newest first. An empty jobID
// matches all jobs.
func (r *RunRepository) ListRecent(jobID string, limit int) ([]domain.JobRun, error) {
	query := `SELECT id, job_id, tick_time, started_at, ended_at, status, error FROM job_runs`
	args := []interface{}{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY tick_time DESC, started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, &domain.StorageError{Op: "run list query", Err: err}
	}
	defer rows.Close()

	var runs []domain.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: "run scan", Err: err}
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LastSucceededAt returns the tick time of a job's latest successful
// run, or the zero time when it never succeeded. The health endpoint
// compares this against the job's interval to flag overdue jobs.
func (r *RunRepository) LastSucceededAt(jobID string) (time.Time, error) {
	var tick sql.NullInt64
	err := r.db.QueryRow(
		`SELECT MAX(tick_time) FROM job_runs WHERE job_id = ? AND status = ?`,
		jobID, string(domain.RunSucceeded),
	).Scan(&tick)
	if err != nil {
		return time.Time{}, &domain.StorageError{Op: "last success lookup", Err: err}
	}
	if !tick.Valid {
		return time.Time{}, nil
	}
	return time.Unix(tick.Int64, 0).UTC(), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.JobRun, error) {
	var run domain.JobRun
	var tickTime, startedAt int64
	var endedAt sql.NullInt64
	var status string

	err := row.Scan(&run.ID, &run.JobID, &tickTime, &startedAt, &endedAt, &status, &run.Error)
	if err != nil {
		return nil, err
	}

	run.TickTime = time.Unix(tickTime, 0).UTC()
	run.StartedAt = time.Unix(startedAt, 0).UTC()
	run.Status = domain.RunStatus(status)
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0).UTC()
		run.EndedAt = &t
	}
	return &run, nil
}
