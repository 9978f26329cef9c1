package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/beacon/internal/domain"
)

// fakeSource is a scriptable upstream for adapter tests.
type fakeSource struct {
	id       string
	items    []RawItem
	listErr  error
	hasNewer bool
	checkErr error
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) List(_ context.Context, _ time.Time) ([]RawItem, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.items, nil
}

func (f *fakeSource) HasNewer(_ context.Context, _ time.Time) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.hasNewer, nil
}

func ts(hour, minute int) time.Time {
	return time.Date(2024, 6, 1, hour, minute, 0, 0, time.UTC)
}

func TestFetchStrictlyAfterWatermark(t *testing.T) {
	src := &fakeSource{
		id: "coinmarketcap",
		items: []RawItem{
			{Symbol: "BTC", Price: 95, Volume: 1, ObservedAt: ts(9, 59)},  // boundary row, already ingested
			{Symbol: "BTC", Price: 100, Volume: 1, ObservedAt: ts(10, 0)},
			{Symbol: "BTC", Price: 110, Volume: 1, ObservedAt: ts(10, 30)},
			{Symbol: "BTC", Price: 90, Volume: 1, ObservedAt: ts(10, 45)},
		},
	}

	adapter := NewAdapter(zerolog.Nop())
	adapter.Register(src, 5)

	records, wm, err := adapter.Fetch(context.Background(), "coinmarketcap", ts(9, 59))
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Watermark candidate is the max observed_at of the batch, not "now".
	assert.Equal(t, ts(10, 45), wm)

	// Records come back ordered by observed_at.
	assert.Equal(t, 100.0, records[0].Price)
	assert.Equal(t, 90.0, records[2].Price)
}

func TestFetchAllOrNothingOnUpstreamFailure(t *testing.T) {
	src := &fakeSource{id: "coinmarketcap", listErr: errors.New("rate limited")}

	adapter := NewAdapter(zerolog.Nop())
	adapter.Register(src, 5)

	records, wm, err := adapter.Fetch(context.Background(), "coinmarketcap", ts(9, 59))
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.Empty(t, records)
	assert.Equal(t, ts(9, 59), wm, "watermark candidate unchanged on failure")
}

func TestFetchDeduplicatesByNaturalKey(t *testing.T) {
	dup := RawItem{Symbol: "BTC", Price: 100, ObservedAt: ts(10, 0)}
	src := &fakeSource{id: "coinmarketcap", items: []RawItem{dup, dup, dup}}

	adapter := NewAdapter(zerolog.Nop())
	adapter.Register(src, 5)

	records, _, err := adapter.Fetch(context.Background(), "coinmarketcap", time.Time{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestFetchDropsMalformedItemsWithoutFailingBatch(t *testing.T) {
	src := &fakeSource{
		id: "coinmarketcap",
		items: []RawItem{
			{Symbol: "", Price: 100, ObservedAt: ts(10, 0)},                                  // missing symbol
			{Symbol: "BTC", Price: 100, ObservedAt: time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)}, // before genesis
			{Symbol: "BTC", Price: -5, ObservedAt: ts(10, 0)},                                // negative price
			{Symbol: "BTC", Price: 100, ObservedAt: time.Now().Add(time.Hour)},               // future
			{Symbol: "BTC", Price: 100, Volume: 2, ObservedAt: ts(10, 30)},                   // valid
		},
	}

	adapter := NewAdapter(zerolog.Nop())
	adapter.Register(src, 5)

	records, wm, err := adapter.Fetch(context.Background(), "coinmarketcap", ts(9, 59))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "BTC", records[0].Symbol)
	assert.Equal(t, ts(10, 30), wm)
}

func TestValidateClassifiesRejectionsAsDataIntegrity(t *testing.T) {
	now := time.Now().UTC()

	ierr := validate(RawItem{Symbol: "BTC", Price: -5, ObservedAt: ts(10, 0)}, "coinmarketcap", now)
	require.NotNil(t, ierr)
	assert.True(t, domain.IsDataIntegrity(ierr))
	assert.Contains(t, ierr.NaturalKey, "BTC")
	assert.Equal(t, "negative price", ierr.Reason)

	assert.Nil(t, validate(RawItem{Symbol: "BTC", Price: 5, ObservedAt: ts(10, 0)}, "coinmarketcap", now))
}

func TestFetchEmptyBatchKeepsWatermark(t *testing.T) {
	src := &fakeSource{id: "coinmarketcap"}

	adapter := NewAdapter(zerolog.Nop())
	adapter.Register(src, 5)

	records, wm, err := adapter.Fetch(context.Background(), "coinmarketcap", ts(9, 59))
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, ts(9, 59), wm)
}

func TestHasNewerWrapsUpstreamError(t *testing.T) {
	src := &fakeSource{id: "coinmarketcap", checkErr: errors.New("timeout")}

	adapter := NewAdapter(zerolog.Nop())
	adapter.Register(src, 5)

	_, err := adapter.HasNewer(context.Background(), "coinmarketcap", ts(9, 59))
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))

	src.checkErr = nil
	src.hasNewer = true
	has, err := adapter.HasNewer(context.Background(), "coinmarketcap", ts(9, 59))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestFetchUnknownSource(t *testing.T) {
	adapter := NewAdapter(zerolog.Nop())

	_, _, err := adapter.Fetch(context.Background(), "nope", time.Time{})
	require.Error(t, err)

	var cerr *domain.ConfigurationError
	assert.True(t, errors.As(err, &cerr))
}
