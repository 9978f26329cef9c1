// Package store persists raw records with idempotent, last-write-wins
// upsert semantics keyed on natural identity.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
)

// RecordStore provides access to raw records in the market database.
type RecordStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRecordStore creates a record store.
func NewRecordStore(db *database.DB, log zerolog.Logger) *RecordStore {
	return &RecordStore{
		db:  db,
		log: log.With().Str("component", "record_store").Logger(),
	}
}

// DB exposes the underlying handle for transaction composition
// (batch upsert and watermark advance share one transaction).
func (s *RecordStore) DB() *database.DB {
	return s.db
}

// UpsertTx inserts or updates one record inside an existing transaction.
// Conflict key is the natural key; on conflict a strictly newer
// observed_at wins, so replaying a batch, racing sources, or an
// equal-timestamp tie cannot regress a row. Returns whether a new row
// was inserted (false for update or no-op).
func (s *RecordStore) UpsertTx(tx *sql.Tx, rec domain.Record) (bool, error) {
	var exists int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM records WHERE natural_key = ?`, rec.NaturalKey,
	).Scan(&exists)
	if err != nil {
		return false, &domain.StorageError{Op: "upsert lookup", Err: err}
	}

	_, err = tx.Exec(
		`INSERT INTO records (natural_key, source, symbol, price, volume, market_cap, observed_at, quality_score, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(natural_key) DO UPDATE SET
		     source        = excluded.source,
		     symbol        = excluded.symbol,
		     price         = excluded.price,
		     volume        = excluded.volume,
		     market_cap    = excluded.market_cap,
		     observed_at   = excluded.observed_at,
		     quality_score = excluded.quality_score,
		     updated_at    = excluded.updated_at
		 WHERE excluded.observed_at > records.observed_at`,
		rec.NaturalKey, rec.Source, rec.Symbol, rec.Price, rec.Volume, rec.MarketCap,
		rec.ObservedAt.UTC().Unix(), rec.QualityScore, time.Now().UTC().Unix(),
	)
	if err != nil {
		return false, &domain.StorageError{Op: "upsert", Err: err}
	}

	return exists == 0, nil
}

// UpsertBatchTx upserts a whole batch inside one transaction. A crash
// mid-batch therefore rolls back everything, and the watermark (advanced
// by the caller in the same transaction, after this call) can never get
// ahead of a half-written batch.
func (s *RecordStore) UpsertBatchTx(tx *sql.Tx, records []domain.Record) (int, error) {
	inserted := 0
	for _, rec := range records {
		isNew, err := s.UpsertTx(tx, rec)
		if err != nil {
			return 0, fmt.Errorf("batch upsert failed at %s: %w", rec.NaturalKey, err)
		}
		if isNew {
			inserted++
		}
	}
	return inserted, nil
}

// Get returns one record by natural key, or nil when absent.
func (s *RecordStore) Get(naturalKey string) (*domain.Record, error) {
	row := s.db.QueryRow(
		`SELECT natural_key, source, symbol, price, volume, market_cap, observed_at, quality_score
		 FROM records WHERE natural_key = ?`, naturalKey,
	)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "record get", Err: err}
	}
	return rec, nil
}

// QualifyingInRange returns analysis-grade records for an entity within
// [from, to), ordered by observed_at. Records below minScore are stored
// for audit but never surface here.
func (s *RecordStore) QualifyingInRange(entity string, from, to time.Time, minScore float64) ([]domain.Record, error) {
	rows, err := s.db.Query(
		`SELECT natural_key, source, symbol, price, volume, market_cap, observed_at, quality_score
		 FROM records
		 WHERE symbol = ? AND observed_at >= ? AND observed_at < ? AND quality_score >= ?
		 ORDER BY observed_at ASC`,
		entity, from.UTC().Unix(), to.UTC().Unix(), minScore,
	)
	if err != nil {
		return nil, &domain.StorageError{Op: "qualifying range query", Err: err}
	}
	defer rows.Close()

	return collectRecords(rows)
}

// RecentPrices returns the most recent qualifying prices for an entity,
// oldest first, used as the plausibility baseline for scoring. Records
// below minScore never contribute: an implausible price must not drag
// the baseline toward itself.
func (s *RecordStore) RecentPrices(entity string, minScore float64, limit int) ([]float64, error) {
	rows, err := s.db.Query(
		`SELECT price FROM (
		     SELECT price, observed_at FROM records
		     WHERE symbol = ? AND quality_score >= ?
		     ORDER BY observed_at DESC LIMIT ?
		 ) ORDER BY observed_at ASC`,
		entity, minScore, limit,
	)
	if err != nil {
		return nil, &domain.StorageError{Op: "recent prices query", Err: err}
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, &domain.StorageError{Op: "recent prices scan", Err: err}
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// OlderThan returns up to limit records observed before the cutoff,
// oldest first, for the retention sweep.
func (s *RecordStore) OlderThan(cutoff time.Time, limit int) ([]domain.Record, error) {
	rows, err := s.db.Query(
		`SELECT natural_key, source, symbol, price, volume, market_cap, observed_at, quality_score
		 FROM records WHERE observed_at < ? ORDER BY observed_at ASC LIMIT ?`,
		cutoff.UTC().Unix(), limit,
	)
	if err != nil {
		return nil, &domain.StorageError{Op: "older-than query", Err: err}
	}
	defer rows.Close()

	return collectRecords(rows)
}

// DeleteByKeys removes records by natural key. Only the retention sweep
// calls this, and only after the rows are durably archived.
func (s *RecordStore) DeleteByKeys(keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	var total int64
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		for _, key := range keys {
			res, err := tx.Exec(`DELETE FROM records WHERE natural_key = ?`, key)
			if err != nil {
				return &domain.StorageError{Op: "record delete", Err: err}
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// Count returns the total number of stored records.
func (s *RecordStore) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, &domain.StorageError{Op: "record count", Err: err}
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*domain.Record, error) {
	var rec domain.Record
	var observedAt int64
	err := row.Scan(
		&rec.NaturalKey, &rec.Source, &rec.Symbol, &rec.Price, &rec.Volume,
		&rec.MarketCap, &observedAt, &rec.QualityScore,
	)
	if err != nil {
		return nil, err
	}
	rec.ObservedAt = time.Unix(observedAt, 0).UTC()
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]domain.Record, error) {
	var records []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: "record scan", Err: err}
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
