package aggregate

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
)

// Repository persists aggregate buckets in the market database.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a bucket repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "bucket_repository").Logger(),
	}
}

// Upsert stores a bucket, replacing any previous computation for the same
// (entity, bucket_start, granularity). Buckets are recomputed wholesale,
// so replacement is always correct.
func (r *Repository) Upsert(b *domain.AggregateBucket) error {
	indicators, err := json.Marshal(b.Indicators)
	if err != nil {
		return fmt.Errorf("failed to marshal indicators: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO aggregate_buckets
		     (entity, bucket_start, granularity, open, high, low, close, volume,
		      indicators, contributing_count, completeness_score, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity, bucket_start, granularity) DO UPDATE SET
		     open               = excluded.open,
		     high               = excluded.high,
		     low                = excluded.low,
		     close              = excluded.close,
		     volume             = excluded.volume,
		     indicators         = excluded.indicators,
		     contributing_count = excluded.contributing_count,
		     completeness_score = excluded.completeness_score,
		     updated_at         = excluded.updated_at`,
		b.Entity, b.BucketStart.UTC().Unix(), string(b.Granularity),
		b.Open, b.High, b.Low, b.Close, b.Volume,
		string(indicators), b.ContributingCount, b.CompletenessScore,
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return &domain.StorageError{Op: "bucket upsert", Err: err}
	}
	return nil
}

// Get returns one bucket, or nil when it has never been computed.
func (r *Repository) Get(entity string, bucketStart time.Time, g domain.Granularity) (*domain.AggregateBucket, error) {
	row := r.db.QueryRow(
		`SELECT entity, bucket_start, granularity, open, high, low, close, volume,
		        indicators, contributing_count, completeness_score, updated_at
		 FROM aggregate_buckets
		 WHERE entity = ? AND bucket_start = ? AND granularity = ?`,
		entity, bucketStart.UTC().Unix(), string(g),
	)

	b, err := scanBucket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "bucket get", Err: err}
	}
	return b, nil
}

// RecentCloses returns closes of the most recent buckets strictly before
// the given bucket start, oldest first. This is the indicator lookback
// window.
func (r *Repository) RecentCloses(entity string, g domain.Granularity, before time.Time, limit int) ([]float64, error) {
	rows, err := r.db.Query(
		`SELECT close FROM (
		     SELECT close, bucket_start FROM aggregate_buckets
		     WHERE entity = ? AND granularity = ? AND bucket_start < ?
		     ORDER BY bucket_start DESC LIMIT ?
		 ) ORDER BY bucket_start ASC`,
		entity, string(g), before.UTC().Unix(), limit,
	)
	if err != nil {
		return nil, &domain.StorageError{Op: "recent closes query", Err: err}
	}
	defer rows.Close()

	var closes []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, &domain.StorageError{Op: "recent closes scan", Err: err}
		}
		closes = append(closes, c)
	}
	return closes, rows.Err()
}

// HistoryBefore returns the most recent buckets strictly before the
// given bucket start, oldest first. This is the baseline window alert
// rules evaluate against.
func (r *Repository) HistoryBefore(entity string, g domain.Granularity, before time.Time, limit int) ([]domain.AggregateBucket, error) {
	rows, err := r.db.Query(
		`SELECT entity, bucket_start, granularity, open, high, low, close, volume,
		        indicators, contributing_count, completeness_score, updated_at
		 FROM (
		     SELECT * FROM aggregate_buckets
		     WHERE entity = ? AND granularity = ? AND bucket_start < ?
		     ORDER BY bucket_start DESC LIMIT ?
		 ) ORDER BY bucket_start ASC`,
		entity, string(g), before.UTC().Unix(), limit,
	)
	if err != nil {
		return nil, &domain.StorageError{Op: "bucket history query", Err: err}
	}
	defer rows.Close()

	var buckets []domain.AggregateBucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: "bucket scan", Err: err}
		}
		buckets = append(buckets, *b)
	}
	return buckets, rows.Err()
}

// ListRecent returns the latest buckets for an entity, newest first.
func (r *Repository) ListRecent(entity string, g domain.Granularity, limit int) ([]domain.AggregateBucket, error) {
	rows, err := r.db.Query(
		`SELECT entity, bucket_start, granularity, open, high, low, close, volume,
		        indicators, contributing_count, completeness_score, updated_at
		 FROM aggregate_buckets
		 WHERE entity = ? AND granularity = ?
		 ORDER BY bucket_start DESC LIMIT ?`,
		entity, string(g), limit,
	)
	if err != nil {
		return nil, &domain.StorageError{Op: "bucket list query", Err: err}
	}
	defer rows.Close()

	var buckets []domain.AggregateBucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: "bucket scan", Err: err}
		}
		buckets = append(buckets, *b)
	}
	return buckets, rows.Err()
}

// OlderThan returns bucket identities older than the cutoff, oldest
// first, for the retention sweep.
func (r *Repository) OlderThan(cutoff time.Time, limit int) ([]domain.AggregateBucket, error) {
	rows, err := r.db.Query(
		`SELECT entity, bucket_start, granularity, open, high, low, close, volume,
		        indicators, contributing_count, completeness_score, updated_at
		 FROM aggregate_buckets
		 WHERE bucket_start < ?
		 ORDER BY bucket_start ASC LIMIT ?`,
		cutoff.UTC().Unix(), limit,
	)
	if err != nil {
		return nil, &domain.StorageError{Op: "bucket older-than query", Err: err}
	}
	defer rows.Close()

	var buckets []domain.AggregateBucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: "bucket scan", Err: err}
		}
		buckets = append(buckets, *b)
	}
	return buckets, rows.Err()
}

// Delete removes one bucket. Only the retention sweep calls this, after
// archival.
func (r *Repository) Delete(entity string, bucketStart time.Time, g domain.Granularity) (bool, error) {
	res, err := r.db.Exec(
		`DELETE FROM aggregate_buckets WHERE entity = ? AND bucket_start = ? AND granularity = ?`,
		entity, bucketStart.UTC().Unix(), string(g),
	)
	if err != nil {
		return false, &domain.StorageError{Op: "bucket delete", Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBucket(row rowScanner) (*domain.AggregateBucket, error) {
	var b domain.AggregateBucket
	var bucketStart, updatedAt int64
	var granularity, indicators string

	err := row.Scan(
		&b.Entity, &bucketStart, &granularity, &b.Open, &b.High, &b.Low, &b.Close,
		&b.Volume, &indicators, &b.ContributingCount, &b.CompletenessScore, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.BucketStart = time.Unix(bucketStart, 0).UTC()
	b.Granularity = domain.Granularity(granularity)
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if err := json.Unmarshal([]byte(indicators), &b.Indicators); err != nil {
		return nil, fmt.Errorf("failed to unmarshal indicators: %w", err)
	}
	return &b, nil
}
