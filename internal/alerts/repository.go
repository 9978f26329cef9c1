package alerts

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
)

// Repository persists alerts in the ops database. The UNIQUE constraint
// on dedup_key makes deduplication durable across restarts.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates an alert repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "alert_repository").Logger(),
	}
}

// Insert stores an alert unless one already exists for the same
// (type, entity, window). Returns whether the alert is new.
func (r *Repository) Insert(a *domain.Alert) (bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	res, err := r.db.Exec(
		`INSERT INTO alerts (dedup_key, type, entity, severity, trigger_value, threshold, window_start, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(dedup_key) DO NOTHING`,
		a.DedupKey(), a.Type, a.Entity, string(a.Severity),
		a.TriggerValue, a.Threshold,
		a.WindowStart.UTC().Unix(), a.CreatedAt.Unix(),
	)
	if err != nil {
		return false, &domain.StorageError{Op: "alert insert", Err: err}
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return true, nil
}

// ListRecent returns the latest alerts, newest first. An empty entity
// matches all entities.
func (r *Repository) ListRecent(entity string, limit int) ([]domain.Alert, error) {
	query := `SELECT id, type, entity, severity, trigger_value, threshold, window_start, created_at
	          FROM alerts`
	args := []interface{}{}
	if entity != "" {
		query += ` WHERE entity = ?`
		args = append(args, entity)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, &domain.StorageError{Op: "alert list query", Err: err}
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var severity string
		var windowStart, createdAt int64
		err := rows.Scan(&a.ID, &a.Type, &a.Entity, &severity, &a.TriggerValue, &a.Threshold, &windowStart, &createdAt)
		if err != nil {
			return nil, &domain.StorageError{Op: "alert scan", Err: err}
		}
		a.Severity = domain.Severity(severity)
		a.WindowStart = time.Unix(windowStart, 0).UTC()
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CountSince returns how many alerts were raised at or after the cutoff.
func (r *Repository) CountSince(cutoff time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM alerts WHERE created_at >= ?`, cutoff.UTC().Unix(),
	).Scan(&n)
	if err != nil {
		return 0, &domain.StorageError{Op: "alert count", Err: err}
	}
	return n, nil
}
