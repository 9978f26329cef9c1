package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/aggregate"
	"github.com/aristath/beacon/internal/domain"
	"github.com/aristath/beacon/internal/store"
)

// Rows fetched per table class per sweep. Bounded so a long-neglected
// database drains over several sweeps instead of one giant transaction.
const defaultBatchSize = 5000

// SweepResult summarizes one retention sweep.
type SweepResult struct {
	Archived int
	Deleted  int
	Skipped  int
}

// Manager runs the archive-then-delete retention sweep. The ordering
// invariant is absolute: a row is deleted only when the archive log
// proves its batch was uploaded. Upload failures leave everything in
// place for the next sweep.
type Manager struct {
	records    *store.RecordStore
	buckets    *aggregate.Repository
	archiveLog *ArchiveLog
	uploader   Uploader
	policies   []domain.RetentionPolicy
	batchSize  int
	log        zerolog.Logger
}

// NewManager creates a retention manager.
func NewManager(records *store.RecordStore, buckets *aggregate.Repository, archiveLog *ArchiveLog, uploader Uploader, policies []domain.RetentionPolicy, log zerolog.Logger) *Manager {
	return &Manager{
		records:    records,
		buckets:    buckets,
		archiveLog: archiveLog,
		uploader:   uploader,
		policies:   policies,
		batchSize:  defaultBatchSize,
		log:        log.With().Str("component", "retention").Logger(),
	}
}

// Sweep applies every policy once. Policies are independent: a failing
// table class is reported but does not stop the others.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var total SweepResult
	var firstErr error

	for _, policy := range m.policies {
		cutoff := now.Add(-policy.MaxAge)
		res, err := m.sweepClass(ctx, policy, cutoff)
		total.Archived += res.Archived
		total.Deleted += res.Deleted
		total.Skipped += res.Skipped

		if err != nil {
			m.log.Error().Err(err).Str("table_class", policy.TableClass).Msg("Sweep failed for table class")
			if firstErr == nil {
				firstErr = fmt.Errorf("sweep of %s failed: %w", policy.TableClass, err)
			}
			continue
		}

		m.log.Info().
			Str("table_class", policy.TableClass).
			Time("cutoff", cutoff).
			Int("archived", res.Archived).
			Int("deleted", res.Deleted).
			Int("skipped", res.Skipped).
			Msg("Retention sweep completed")
	}

	return total, firstErr
}

func (m *Manager) sweepClass(ctx context.Context, policy domain.RetentionPolicy, cutoff time.Time) (SweepResult, error) {
	switch policy.TableClass {
	case ClassRecords:
		return m.sweepRecords(ctx, policy, cutoff)
	case ClassBuckets:
		return m.sweepBuckets(ctx, policy, cutoff)
	default:
		return SweepResult{}, &domain.ConfigurationError{
			Field:  "Retention.TableClass",
			Reason: "unknown table class " + policy.TableClass,
		}
	}
}

func (m *Manager) sweepRecords(ctx context.Context, policy domain.RetentionPolicy, cutoff time.Time) (SweepResult, error) {
	var res SweepResult

	aged, err := m.records.OlderThan(cutoff, m.batchSize)
	if err != nil {
		return res, err
	}
	if len(aged) == 0 {
		return res, nil
	}

	keys := make([]string, 0, len(aged))
	for _, rec := range aged {
		keys = append(keys, rec.NaturalKey)
	}

	archived, err := m.archiveLog.Archived(ClassRecords, keys)
	if err != nil {
		return res, err
	}

	// Rows already marked survived an earlier upload; they skip straight
	// to deletion.
	var pending []domain.Record
	var pendingKeys []string
	for _, rec := range aged {
		if archived[rec.NaturalKey] {
			res.Skipped++
			continue
		}
		pending = append(pending, rec)
		pendingKeys = append(pendingKeys, rec.NaturalKey)
	}

	if len(pending) > 0 {
		key, err := m.uploadBatch(ctx, policy, ClassRecords, cutoff, pending)
		if err != nil {
			return res, err
		}
		if err := m.archiveLog.Mark(ClassRecords, key, pendingKeys); err != nil {
			return res, err
		}
		res.Archived = len(pending)
	}

	deleted, err := m.records.DeleteByKeys(keys)
	if err != nil {
		return res, err
	}
	res.Deleted = int(deleted)
	return res, nil
}

func (m *Manager) sweepBuckets(ctx context.Context, policy domain.RetentionPolicy, cutoff time.Time) (SweepResult, error) {
	var res SweepResult

	aged, err := m.buckets.OlderThan(cutoff, m.batchSize)
	if err != nil {
		return res, err
	}
	if len(aged) == 0 {
		return res, nil
	}

	keys := make([]string, 0, len(aged))
	for _, b := range aged {
		keys = append(keys, bucketRowKey(b))
	}

	archived, err := m.archiveLog.Archived(ClassBuckets, keys)
	if err != nil {
		return res, err
	}

	var pending []domain.AggregateBucket
	var pendingKeys []string
	for i, b := range aged {
		if archived[keys[i]] {
			res.Skipped++
			continue
		}
		pending = append(pending, b)
		pendingKeys = append(pendingKeys, keys[i])
	}

	if len(pending) > 0 {
		key, err := m.uploadBatch(ctx, policy, ClassBuckets, cutoff, pending)
		if err != nil {
			return res, err
		}
		if err := m.archiveLog.Mark(ClassBuckets, key, pendingKeys); err != nil {
			return res, err
		}
		res.Archived = len(pending)
	}

	for _, b := range aged {
		removed, err := m.buckets.Delete(b.Entity, b.BucketStart, b.Granularity)
		if err != nil {
			return res, err
		}
		if removed {
			res.Deleted++
		}
	}
	return res, nil
}

// uploadBatch encodes and uploads one batch, returning the object key.
func (m *Manager) uploadBatch(ctx context.Context, policy domain.RetentionPolicy, tableClass string, cutoff time.Time, rows interface{}) (string, error) {
	body, err := encodeBatch(rows)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s%s-%s-%s.msgpack.gz",
		policy.ArchiveTarget, tableClass,
		cutoff.UTC().Format("20060102T150405Z"),
		uuid.NewString()[:8],
	)
	if err := m.uploader.Upload(ctx, key, body); err != nil {
		return "", err
	}
	return key, nil
}

// bucketRowKey is the archive log identity of a bucket row.
func bucketRowKey(b domain.AggregateBucket) string {
	return fmt.Sprintf("%s|%d|%s", b.Entity, b.BucketStart.UTC().Unix(), b.Granularity)
}
