// Package watermark persists per-(job, source) high-water marks.
//
// The watermark store is the single source of truth for "what has been
// ingested". It is never inferred from stored records: a partial write
// would then look like progress. Advancement happens inside the same
// transaction that commits the batch (upsert-then-watermark ordering),
// and only ever forward.
package watermark

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
)

// Store provides access to watermark state in the market database, next
// to the records it fences, so advancement can share the batch upsert's
// transaction.
type Store struct {
	db  *database.DB
	log zerolog.Logger

	// One legitimate writer per (job, source) at a time.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// NewStore creates a new watermark store.
func NewStore(db *database.DB, log zerolog.Logger) *Store {
	return &Store{
		db:    db,
		log:   log.With().Str("component", "watermark_store").Logger(),
		locks: make(map[string]*sync.Mutex),
	}
}

// Get returns the current watermark for a (job, source) pair.
// A pair that has never synced returns the zero time.
func (s *Store) Get(jobID, sourceID string) (time.Time, error) {
	var lastSeen sql.NullInt64
	err := s.db.QueryRow(
		`SELECT last_seen FROM watermarks WHERE job_id = ? AND source_id = ?`,
		jobID, sourceID,
	).Scan(&lastSeen)

	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, &domain.StorageError{Op: "watermark get", Err: err}
	}

	if !lastSeen.Valid {
		return time.Time{}, nil
	}
	return time.Unix(lastSeen.Int64, 0).UTC(), nil
}

// AdvanceTx moves the watermark forward within an existing transaction.
// The caller owns the transaction containing the batch upsert, so a crash
// between upsert and advancement is impossible: both commit or neither.
//
// Advancement is strictly monotonic - an older candidate is ignored, not
// an error, because a retried window legitimately re-observes old rows.
func (s *Store) AdvanceTx(tx *sql.Tx, jobID, sourceID string, candidate time.Time) error {
	if candidate.IsZero() {
		return nil
	}

	now := time.Now().UTC().Unix()
	_, err := tx.Exec(
		`INSERT INTO watermarks (job_id, source_id, last_seen, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id, source_id) DO UPDATE SET
		     last_seen  = excluded.last_seen,
		     updated_at = excluded.updated_at
		 WHERE excluded.last_seen > watermarks.last_seen`,
		jobID, sourceID, candidate.UTC().Unix(), now,
	)
	if err != nil {
		return &domain.StorageError{Op: "watermark advance", Err: err}
	}

	s.log.Debug().
		Str("job", jobID).
		Str("source", sourceID).
		Time("last_seen", candidate).
		Msg("Watermark advanced")

	return nil
}

// All returns every stored watermark, for the operations API.
func (s *Store) All() ([]domain.Watermark, error) {
	rows, err := s.db.Query(
		`SELECT job_id, source_id, last_seen, updated_at FROM watermarks ORDER BY job_id, source_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	var marks []domain.Watermark
	for rows.Next() {
		var w domain.Watermark
		var lastSeen, updatedAt int64
		if err := rows.Scan(&w.JobID, &w.SourceID, &lastSeen, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		w.LastSeen = time.Unix(lastSeen, 0).UTC()
		w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		marks = append(marks, w)
	}

	return marks, rows.Err()
}

// Lock acquires the run-level lock for a (job, source) pair and returns
// the unlock function. Serializes writers so each watermark has exactly
// one legitimate writer at a time.
func (s *Store) Lock(jobID, sourceID string) func() {
	key := jobID + "|" + sourceID

	s.locksMu.Lock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// TryLock attempts to acquire the run-level lock without blocking.
// Returns the unlock function and true on success, nil and false when
// another run holds the lock.
func (s *Store) TryLock(jobID, sourceID string) (func(), bool) {
	key := jobID + "|" + sourceID

	s.locksMu.Lock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	s.locksMu.Unlock()

	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}
