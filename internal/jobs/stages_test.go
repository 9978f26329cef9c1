package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/beacon/internal/aggregate"
	"github.com/aristath/beacon/internal/alerts"
	"github.com/aristath/beacon/internal/config"
	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
	"github.com/aristath/beacon/internal/quality"
	"github.com/aristath/beacon/internal/source"
	"github.com/aristath/beacon/internal/store"
	"github.com/aristath/beacon/internal/watermark"
)

var dbSeq atomic.Int64

// fakeSource serves scripted items.
type fakeSource struct {
	id    string
	items []source.RawItem
	err   error
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) List(_ context.Context, _ time.Time) ([]source.RawItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func (f *fakeSource) HasNewer(_ context.Context, since time.Time) (bool, error) {
	for _, item := range f.items {
		if item.ObservedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

type fixture struct {
	records    *store.RecordStore
	buckets    *aggregate.Repository
	watermarks *watermark.Store
	adapter    *source.Adapter
	alertRepo  *alerts.Repository
	scorer     *quality.Scorer
}

func newFixture(t *testing.T, sources ...source.Source) *fixture {
	t.Helper()

	seq := dbSeq.Add(1)
	marketDB, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%smarket%d?mode=memory&cache=shared", t.Name(), seq),
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	require.NoError(t, err)
	require.NoError(t, marketDB.Migrate())
	t.Cleanup(func() { _ = marketDB.Close() })

	opsDB, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%sops%d?mode=memory&cache=shared", t.Name(), seq),
		Profile: database.ProfileLedger,
		Name:    "ops",
	})
	require.NoError(t, err)
	require.NoError(t, opsDB.Migrate())
	t.Cleanup(func() { _ = opsDB.Close() })

	adapter := source.NewAdapter(zerolog.Nop())
	for _, src := range sources {
		adapter.Register(src, 2)
	}

	return &fixture{
		records:    store.NewRecordStore(marketDB, zerolog.Nop()),
		buckets:    aggregate.NewRepository(marketDB, zerolog.Nop()),
		watermarks: watermark.NewStore(marketDB, zerolog.Nop()),
		adapter:    adapter,
		alertRepo:  alerts.NewRepository(opsDB, zerolog.Nop()),
		scorer:     quality.NewScorer(0.6, map[string]int{"coinmarketcap": 1, "defillama": 2}),
	}
}

func item(symbol string, observedAt time.Time, price float64) source.RawItem {
	return source.RawItem{
		Symbol:     symbol,
		Price:      price,
		Volume:     1000,
		ObservedAt: observedAt,
	}
}

func syncJob(sources ...string) config.JobConfig {
	return config.JobConfig{
		ID:       "sync_market_data",
		Schedule: "@every 5m",
		Interval: 5 * time.Minute,
		Sources:  sources,
		Stages:   []string{"sync", "aggregate", "alert"},
		Enabled:  true,
	}
}

func TestSyncStageCommitsBatchAndWatermark(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{id: "coinmarketcap", items: []source.RawItem{
		item("BTC", ts, 100),
		item("BTC", ts.Add(30*time.Minute), 110),
	}}
	f := newFixture(t, src)

	stage := NewSyncStage(f.adapter, f.scorer, f.records, f.watermarks, zerolog.Nop())
	state := &State{}
	require.NoError(t, stage.Run(context.Background(), syncJob("coinmarketcap"), state))

	assert.Len(t, state.Synced, 2)
	for _, rec := range state.Synced {
		assert.Greater(t, rec.QualityScore, 0.6)
	}

	n, err := f.records.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	wm, err := f.watermarks.Get("sync_market_data", "coinmarketcap")
	require.NoError(t, err)
	assert.Equal(t, ts.Add(30*time.Minute), wm, "watermark is the max observed_at of the batch")
}

func TestSyncStageSecondRunFetchesNothing(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{id: "coinmarketcap", items: []source.RawItem{item("BTC", ts, 100)}}
	f := newFixture(t, src)

	stage := NewSyncStage(f.adapter, f.scorer, f.records, f.watermarks, zerolog.Nop())
	require.NoError(t, stage.Run(context.Background(), syncJob("coinmarketcap"), &State{}))

	// The upstream still serves the same items; the watermark filters
	// them all out.
	state := &State{}
	require.NoError(t, stage.Run(context.Background(), syncJob("coinmarketcap"), state))
	assert.Empty(t, state.Synced)

	n, err := f.records.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSyncStageFailingSourceDoesNotBlockOthers(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	good := &fakeSource{id: "coinmarketcap", items: []source.RawItem{item("BTC", ts, 100)}}
	bad := &fakeSource{id: "defillama", err: assert.AnError}
	f := newFixture(t, good, bad)

	stage := NewSyncStage(f.adapter, f.scorer, f.records, f.watermarks, zerolog.Nop())
	state := &State{}
	err := stage.Run(context.Background(), syncJob("defillama", "coinmarketcap"), state)

	require.Error(t, err, "a failing source fails the run so the window is retried")
	assert.True(t, domain.IsTransient(err))

	// The healthy source's batch is already committed.
	assert.Len(t, state.Synced, 1)
	n, cerr := f.records.Count()
	require.NoError(t, cerr)
	assert.Equal(t, int64(1), n)

	wm, werr := f.watermarks.Get("sync_market_data", "defillama")
	require.NoError(t, werr)
	assert.True(t, wm.IsZero(), "failed source must not advance its watermark")
}

func TestAggregateStageRebuildsTouchedBuckets(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{id: "coinmarketcap", items: []source.RawItem{
		item("BTC", ts, 100),
		item("BTC", ts.Add(30*time.Minute), 110),
		item("BTC", ts.Add(45*time.Minute), 90),
	}}
	f := newFixture(t, src)

	sync := NewSyncStage(f.adapter, f.scorer, f.records, f.watermarks, zerolog.Nop())
	agg := NewAggregateStage(
		aggregate.NewAggregator(f.records, f.buckets, 0.6, zerolog.Nop()),
		zerolog.Nop(),
	)

	state := &State{}
	job := syncJob("coinmarketcap")
	require.NoError(t, sync.Run(context.Background(), job, state))
	require.NoError(t, agg.Run(context.Background(), job, state))

	// One hourly and one daily bucket.
	require.Len(t, state.Buckets, 2)

	hourly, err := f.buckets.Get("BTC", ts, domain.GranularityHourly)
	require.NoError(t, err)
	require.NotNil(t, hourly)
	assert.Equal(t, 100.0, hourly.Open)
	assert.Equal(t, 110.0, hourly.High)
	assert.Equal(t, 90.0, hourly.Low)
	assert.Equal(t, 90.0, hourly.Close)
}

func TestAggregateStageNoopWithoutSyncedRecords(t *testing.T) {
	f := newFixture(t)
	agg := NewAggregateStage(
		aggregate.NewAggregator(f.records, f.buckets, 0.6, zerolog.Nop()),
		zerolog.Nop(),
	)

	state := &State{}
	require.NoError(t, agg.Run(context.Background(), syncJob(), state))
	assert.Empty(t, state.Buckets)
}

func TestAlertStageEvaluatesRebuiltBuckets(t *testing.T) {
	f := newFixture(t)
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	// Trailing history: flat closes and volumes.
	for i := 1; i <= 5; i++ {
		require.NoError(t, f.buckets.Upsert(&domain.AggregateBucket{
			Entity:      "BTC",
			BucketStart: ts.Add(-time.Duration(i) * time.Hour),
			Granularity: domain.GranularityHourly,
			Open:        100, High: 100, Low: 100, Close: 100,
			Volume: 500,
		}))
	}

	engine := alerts.NewEngine(
		alerts.CompileRules([]config.AlertRuleConfig{
			{ID: "price_spike", Metric: alerts.MetricPriceChangePct, Op: alerts.OpAbsGT, Threshold: 0.05, BaseSeverity: domain.SeverityMedium},
		}),
		f.alertRepo, nil, zerolog.Nop(),
	)
	stage := NewAlertStage(engine, f.buckets, zerolog.Nop())

	state := &State{Buckets: []domain.AggregateBucket{{
		Entity:      "BTC",
		BucketStart: ts,
		Granularity: domain.GranularityHourly,
		Open:        100, High: 112, Low: 100, Close: 112,
		Volume: 500,
	}}}
	require.NoError(t, stage.Run(context.Background(), syncJob(), state))

	raised, err := f.alertRepo.ListRecent("BTC", 10)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, "price_spike", raised[0].Type)
	assert.Equal(t, domain.SeverityHigh, raised[0].Severity, "12% move is over twice the 5% threshold")
}

func TestRegistryResolvePreservesOrder(t *testing.T) {
	f := newFixture(t)
	sync := NewSyncStage(f.adapter, f.scorer, f.records, f.watermarks, zerolog.Nop())
	agg := NewAggregateStage(aggregate.NewAggregator(f.records, f.buckets, 0.6, zerolog.Nop()), zerolog.Nop())

	registry := NewRegistry(sync, agg)

	stages, err := registry.Resolve([]string{"aggregate", "sync"})
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "aggregate", stages[0].Name())
	assert.Equal(t, "sync", stages[1].Name())

	_, err = registry.Resolve([]string{"sync", "publish"})
	require.Error(t, err)
}
