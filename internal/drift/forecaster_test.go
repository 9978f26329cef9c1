package drift

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/beacon/internal/aggregate"
	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
)

func newBucketRepo(t *testing.T) *aggregate.Repository {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%s%d?mode=memory&cache=shared", t.Name(), dbSeq.Add(1)),
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return aggregate.NewRepository(db, zerolog.Nop())
}

func seedCloses(t *testing.T, repo *aggregate.Repository, entity string, closes []float64) {
	t.Helper()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		require.NoError(t, repo.Upsert(&domain.AggregateBucket{
			Entity:      entity,
			BucketStart: base.Add(time.Duration(i) * time.Hour),
			Granularity: domain.GranularityHourly,
			Open:        c, High: c, Low: c, Close: c,
		}))
	}
}

func TestEvaluateStableSeriesScoresHigh(t *testing.T) {
	repo := newBucketRepo(t)

	closes := make([]float64, 24)
	for i := range closes {
		closes[i] = 100 + float64(i%2) // tiny oscillation
	}
	seedCloses(t, repo, "BTC", closes)

	f := NewBacktestForecaster(repo, []string{"BTC"}, zerolog.Nop())
	metric, err := f.Evaluate(context.Background(), "price_forecast_hourly")
	require.NoError(t, err)

	assert.Greater(t, metric.Accuracy, 0.95, "persistence forecast is near-perfect on a flat series")
	assert.Equal(t, "price_forecast_hourly", metric.ModelID)
	assert.False(t, metric.EvaluatedAt.IsZero())
}

func TestEvaluateVolatileSeriesScoresLower(t *testing.T) {
	repo := newBucketRepo(t)

	closes := make([]float64, 24)
	for i := range closes {
		if i%2 == 0 {
			closes[i] = 100
		} else {
			closes[i] = 200
		}
	}
	seedCloses(t, repo, "BTC", closes)

	f := NewBacktestForecaster(repo, []string{"BTC"}, zerolog.Nop())
	metric, err := f.Evaluate(context.Background(), "price_forecast_hourly")
	require.NoError(t, err)

	assert.Less(t, metric.Accuracy, 0.7)
}

func TestEvaluateWithoutHistoryFails(t *testing.T) {
	repo := newBucketRepo(t)

	f := NewBacktestForecaster(repo, []string{"BTC"}, zerolog.Nop())
	_, err := f.Evaluate(context.Background(), "price_forecast_hourly")
	assert.Error(t, err)
}

func TestEvaluateRejectsUnknownModelShape(t *testing.T) {
	repo := newBucketRepo(t)

	f := NewBacktestForecaster(repo, []string{"BTC"}, zerolog.Nop())
	_, err := f.Evaluate(context.Background(), "price_forecast_weekly")
	require.Error(t, err)

	var cerr *domain.ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}
