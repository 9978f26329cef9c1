package store

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T) *RecordStore {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%s%d?mode=memory&cache=shared", t.Name(), dbSeq.Add(1)),
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return NewRecordStore(db, zerolog.Nop())
}

func upsert(t *testing.T, s *RecordStore, rec domain.Record) bool {
	t.Helper()

	var inserted bool
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		var err error
		inserted, err = s.UpsertTx(tx, rec)
		return err
	})
	require.NoError(t, err)
	return inserted
}

func record(symbol string, observedAt time.Time, price float64) domain.Record {
	return domain.Record{
		Source:       "coinmarketcap",
		Symbol:       symbol,
		NaturalKey:   domain.BuildNaturalKey(symbol, observedAt, "coinmarketcap"),
		Price:        price,
		Volume:       100,
		ObservedAt:   observedAt,
		QualityScore: 0.9,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rec := record("BTC", ts, 100)

	assert.True(t, upsert(t, s, rec))
	// Identical record again: no second row.
	assert.False(t, upsert(t, s, rec))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsertNewestObservedAtWins(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	older := record("BTC", ts, 100)
	newer := record("BTC", ts.Add(time.Minute), 110)
	// Same natural key, conflicting payloads.
	newer.NaturalKey = older.NaturalKey

	upsert(t, s, newer)
	upsert(t, s, older)

	got, err := s.Get(older.NaturalKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 110.0, got.Price, "older observed_at must not overwrite newer")

	// Reverse order converges to the same row.
	s2 := newTestStore(t)
	upsert(t, s2, older)
	upsert(t, s2, newer)

	got, err = s2.Get(older.NaturalKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 110.0, got.Price)
}

func TestUpsertEqualObservedAtIsNoop(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	first := record("BTC", ts, 100)
	tie := record("BTC", ts, 105)

	upsert(t, s, first)
	upsert(t, s, tie)

	got, err := s.Get(first.NaturalKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 100.0, got.Price, "an equal observed_at must not overwrite")
}

func TestUpsertBatchTxRollsBackAtomically(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	batch := []domain.Record{
		record("BTC", ts, 100),
		record("BTC", ts.Add(30*time.Minute), 110),
	}

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		if _, err := s.UpsertBatchTx(tx, batch); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "failed batch must leave no rows")
}

func TestQualifyingInRangeExcludesLowScores(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	good := record("BTC", ts, 100)
	audit := record("BTC", ts.Add(10*time.Minute), 105)
	audit.QualityScore = 0.4 // stored for audit only

	upsert(t, s, good)
	upsert(t, s, audit)

	records, err := s.QualifyingInRange("BTC", ts, ts.Add(time.Hour), 0.6)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 100.0, records[0].Price)

	// The low-score record is still stored.
	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestQualifyingInRangeOrderingAndBounds(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	upsert(t, s, record("BTC", ts.Add(45*time.Minute), 90))
	upsert(t, s, record("BTC", ts, 100))
	upsert(t, s, record("BTC", ts.Add(30*time.Minute), 110))
	upsert(t, s, record("BTC", ts.Add(time.Hour), 120)) // outside [10:00, 11:00)
	upsert(t, s, record("ETH", ts, 50))                 // different entity

	records, err := s.QualifyingInRange("BTC", ts, ts.Add(time.Hour), 0.6)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 100.0, records[0].Price)
	assert.Equal(t, 110.0, records[1].Price)
	assert.Equal(t, 90.0, records[2].Price)
}

func TestOlderThanAndDelete(t *testing.T) {
	s := newTestStore(t)
	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	upsert(t, s, record("BTC", old, 20))
	upsert(t, s, record("BTC", fresh, 100))

	aged, err := s.OlderThan(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 100)
	require.NoError(t, err)
	require.Len(t, aged, 1)
	assert.Equal(t, 20.0, aged[0].Price)

	deleted, err := s.DeleteByKeys([]string{aged[0].NaturalKey})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRecentPricesOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, price := range []float64{100, 101, 102, 103} {
		upsert(t, s, record("BTC", ts.Add(time.Duration(i)*time.Minute), price))
	}

	prices, err := s.RecentPrices("BTC", 0.6, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{101, 102, 103}, prices)
}

func TestRecentPricesExcludesSubThresholdRecords(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	upsert(t, s, record("BTC", ts, 100))
	outlier := record("BTC", ts.Add(time.Minute), 100000)
	outlier.QualityScore = 0.3
	upsert(t, s, outlier)
	upsert(t, s, record("BTC", ts.Add(2*time.Minute), 102))

	prices, err := s.RecentPrices("BTC", 0.6, 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 102}, prices, "rejected outliers must not skew the baseline")
}
