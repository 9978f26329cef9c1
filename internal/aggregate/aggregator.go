// Package aggregate folds raw records into time-bucketed OHLC rollups
// with derived technical indicators.
//
// Buckets are always recomputed from all currently-stored qualifying
// records in range, never patched incrementally. Out-of-order and
// backfilled records therefore can never make a bucket drift away from
// ground truth: the next rebuild absorbs them.
package aggregate

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/domain"
	"github.com/aristath/beacon/internal/store"
	"github.com/aristath/beacon/pkg/formulas"
)

// Indicator lookback: enough closes for SMA30 and MACD(12,26,9).
const lookbackBuckets = 40

// Expected record counts per bucket at the nominal sync cadence, used
// for the completeness score.
var expectedPerBucket = map[domain.Granularity]int{
	domain.GranularityHourly: 12, // 5-minute cadence
	domain.GranularityDaily:  288,
}

// Aggregator rebuilds aggregate buckets from qualifying records.
type Aggregator struct {
	records  *store.RecordStore
	buckets  *Repository
	minScore float64
	log      zerolog.Logger
}

// NewAggregator creates an aggregator. Records scoring below minScore
// never contribute to a bucket.
func NewAggregator(records *store.RecordStore, buckets *Repository, minScore float64, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		records:  records,
		buckets:  buckets,
		minScore: minScore,
		log:      log.With().Str("component", "aggregator").Logger(),
	}
}

// Rebuild recomputes one bucket from scratch and persists it. Returns the
// bucket, or nil when no qualifying records fall inside the range (an
// existing bucket is left untouched in that case).
func (a *Aggregator) Rebuild(entity string, bucketStart time.Time, g domain.Granularity) (*domain.AggregateBucket, error) {
	bucketStart = g.Truncate(bucketStart)
	bucketEnd := bucketStart.Add(g.Duration())

	records, err := a.records.QualifyingInRange(entity, bucketStart, bucketEnd, a.minScore)
	if err != nil {
		return nil, fmt.Errorf("failed to load records for %s %s bucket: %w", entity, g, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	bucket := fold(entity, bucketStart, g, records)

	if err := a.applyIndicators(bucket); err != nil {
		return nil, err
	}

	if !bucket.Valid() {
		return nil, fmt.Errorf("rebuilt bucket violates OHLC invariants: %+v", bucket)
	}

	if err := a.buckets.Upsert(bucket); err != nil {
		return nil, err
	}

	a.log.Debug().
		Str("entity", entity).
		Str("granularity", string(g)).
		Time("bucket_start", bucketStart).
		Int("records", bucket.ContributingCount).
		Msg("Bucket rebuilt")

	return bucket, nil
}

// RebuildTouched rebuilds every (bucket, granularity) pair a batch of
// records falls into, hourly and daily. Hourly buckets are rebuilt
// before daily so the daily indicator lookback sees fresh state.
// Returns the rebuilt buckets.
func (a *Aggregator) RebuildTouched(records []domain.Record) ([]domain.AggregateBucket, error) {
	type key struct {
		entity string
		start  time.Time
	}

	var rebuilt []domain.AggregateBucket
	for _, g := range []domain.Granularity{domain.GranularityHourly, domain.GranularityDaily} {
		touched := make(map[key]bool)
		for _, rec := range records {
			touched[key{rec.Symbol, g.Truncate(rec.ObservedAt)}] = true
		}

		for k := range touched {
			bucket, err := a.Rebuild(k.entity, k.start, g)
			if err != nil {
				return rebuilt, err
			}
			if bucket != nil {
				rebuilt = append(rebuilt, *bucket)
			}
		}
	}
	return rebuilt, nil
}

// fold computes OHLC, volume, and completeness over records already
// ordered by observed_at.
func fold(entity string, bucketStart time.Time, g domain.Granularity, records []domain.Record) *domain.AggregateBucket {
	b := &domain.AggregateBucket{
		Entity:            entity,
		BucketStart:       bucketStart,
		Granularity:       g,
		Open:              records[0].Price,
		Close:             records[len(records)-1].Price,
		High:              records[0].Price,
		Low:               records[0].Price,
		ContributingCount: len(records),
	}

	for _, rec := range records {
		if rec.Price > b.High {
			b.High = rec.Price
		}
		if rec.Price < b.Low {
			b.Low = rec.Price
		}
		b.Volume += rec.Volume
	}

	if expected := expectedPerBucket[g]; expected > 0 {
		b.CompletenessScore = formulas.Clamp(float64(len(records))/float64(expected), 0, 1)
	}

	return b
}

// applyIndicators computes derived indicators over the trailing close
// series ending at this bucket. Indicators are pure functions of the
// ordered sequence; whenever the window's membership changes, the next
// rebuild recomputes them.
func (a *Aggregator) applyIndicators(b *domain.AggregateBucket) error {
	closes, err := a.buckets.RecentCloses(b.Entity, b.Granularity, b.BucketStart, lookbackBuckets)
	if err != nil {
		return fmt.Errorf("failed to load indicator lookback: %w", err)
	}
	closes = append(closes, b.Close)

	ind := &b.Indicators
	ind.SMA7 = formulas.SMA(closes, 7)
	ind.SMA30 = formulas.SMA(closes, 30)
	ind.EMA12 = formulas.EMA(closes, 12)
	ind.EMA26 = formulas.EMA(closes, 26)
	ind.MACD = formulas.MACD(closes, 12, 26, 9)
	ind.RSI14 = formulas.RSI(closes, 14)
	ind.BBUpper, ind.BBLower = formulas.Bollinger(closes, 20, 2)

	if vol := formulas.Volatility(closes); vol > 0 {
		ind.Volatility = &vol
	}
	if len(closes) >= 2 {
		momentum := formulas.PctChange(closes[len(closes)-2], b.Close)
		ind.Momentum = &momentum
	}

	return nil
}
