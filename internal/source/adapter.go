package source

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/beacon/internal/domain"
)

// Oldest timestamp any record may carry. Nothing traded before the
// genesis block.
var minObservedAt = time.Date(2009, 1, 3, 0, 0, 0, 0, time.UTC)

// Allowance for upstream clock skew on "future" records.
const futureSkew = 5 * time.Minute

// registered pairs a source with its concurrency limiter.
type registered struct {
	src Source
	sem *semaphore.Weighted
}

// Adapter wraps registered sources and enforces the fetch contract:
// strictly newer than the watermark, de-duplicated by natural key,
// all-or-nothing on upstream failure, and bounded in-flight fetches per
// source to respect upstream rate limits.
type Adapter struct {
	sources map[string]registered
	log     zerolog.Logger
}

// NewAdapter creates a source adapter.
func NewAdapter(log zerolog.Logger) *Adapter {
	return &Adapter{
		sources: make(map[string]registered),
		log:     log.With().Str("component", "source_adapter").Logger(),
	}
}

// Register adds a source with a cap on concurrent in-flight fetches.
func (a *Adapter) Register(src Source, maxInFlight int64) {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	a.sources[src.ID()] = registered{
		src: src,
		sem: semaphore.NewWeighted(maxInFlight),
	}
}

// SourceIDs returns the registered source identifiers.
func (a *Adapter) SourceIDs() []string {
	ids := make([]string, 0, len(a.sources))
	for id := range a.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasNewer runs the cheap guard check against one source.
func (a *Adapter) HasNewer(ctx context.Context, sourceID string, watermark time.Time) (bool, error) {
	reg, ok := a.sources[sourceID]
	if !ok {
		return false, &domain.ConfigurationError{Field: "source", Reason: "unknown source " + sourceID}
	}

	has, err := reg.src.HasNewer(ctx, watermark)
	if err != nil {
		return false, &domain.TransientSourceError{SourceID: sourceID, Err: err}
	}
	return has, nil
}

// Fetch pulls records observed strictly after the watermark from one
// source. On upstream failure it returns no partial records, so the
// caller can retry the whole window on the next tick. The returned
// watermark candidate is the max observed_at of the batch - never "now" -
// or the input watermark when the batch is empty.
func (a *Adapter) Fetch(ctx context.Context, sourceID string, watermark time.Time) ([]domain.Record, time.Time, error) {
	reg, ok := a.sources[sourceID]
	if !ok {
		return nil, watermark, &domain.ConfigurationError{Field: "source", Reason: "unknown source " + sourceID}
	}

	if err := reg.sem.Acquire(ctx, 1); err != nil {
		return nil, watermark, &domain.TransientSourceError{SourceID: sourceID, Err: err}
	}
	defer reg.sem.Release(1)

	items, err := reg.src.List(ctx, watermark)
	if err != nil {
		// All-or-nothing: no partial batch leaves this function on error.
		return nil, watermark, &domain.TransientSourceError{SourceID: sourceID, Err: err}
	}

	now := time.Now().UTC()
	records := make([]domain.Record, 0, len(items))
	seen := make(map[string]bool, len(items))
	dropped := 0

	for _, item := range items {
		if ierr := validate(item, sourceID, now); ierr != nil {
			dropped++
			a.log.Warn().
				Err(ierr).
				Str("source", sourceID).
				Str("natural_key", ierr.NaturalKey).
				Str("reason", ierr.Reason).
				Msg("Dropping malformed record")
			continue
		}

		// Strict: boundary rows equal to the watermark were ingested by
		// the previous run.
		if !item.ObservedAt.After(watermark) {
			continue
		}

		key := domain.BuildNaturalKey(item.Symbol, item.ObservedAt, sourceID)
		if seen[key] {
			continue
		}
		seen[key] = true

		records = append(records, domain.Record{
			Source:     sourceID,
			Symbol:     item.Symbol,
			NaturalKey: key,
			Price:      item.Price,
			Volume:     item.Volume,
			MarketCap:  item.MarketCap,
			ObservedAt: item.ObservedAt.UTC(),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ObservedAt.Before(records[j].ObservedAt)
	})

	newWatermark := watermark
	if len(records) > 0 {
		newWatermark = records[len(records)-1].ObservedAt
	}

	a.log.Info().
		Str("source", sourceID).
		Int("records", len(records)).
		Int("dropped", dropped).
		Time("watermark", newWatermark).
		Msg("Fetch completed")

	return records, newWatermark, nil
}

// validate returns a DataIntegrityError for a malformed item, or nil
// when the item is acceptable. The error names the offending row but
// never fails the batch; the caller drops and logs it.
func validate(item RawItem, sourceID string, now time.Time) *domain.DataIntegrityError {
	reject := func(reason string) *domain.DataIntegrityError {
		return &domain.DataIntegrityError{
			NaturalKey: domain.BuildNaturalKey(item.Symbol, item.ObservedAt, sourceID),
			Reason:     reason,
		}
	}

	if item.Symbol == "" {
		return reject("missing symbol")
	}
	if item.ObservedAt.IsZero() {
		return reject("missing timestamp")
	}
	if item.ObservedAt.Before(minObservedAt) {
		return reject("timestamp before 2009")
	}
	if item.ObservedAt.After(now.Add(futureSkew)) {
		return reject("timestamp in the future")
	}
	if item.Price < 0 {
		return reject("negative price")
	}
	return nil
}
