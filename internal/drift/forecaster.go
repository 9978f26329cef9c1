package drift

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/aggregate"
	"github.com/aristath/beacon/internal/domain"
	"github.com/aristath/beacon/pkg/formulas"
)

// Buckets of history consulted per entity when backtesting a model.
const backtestWindow = 48

// BacktestForecaster evaluates the persistence forecast (next close =
// current close) against realized closes in the aggregate store.
// Accuracy is the mean absolute-percentage agreement of the forecast;
// the drift score measures how far the recent return distribution has
// moved from the older half of the window.
type BacktestForecaster struct {
	buckets  *aggregate.Repository
	entities []string
	log      zerolog.Logger
}

// NewBacktestForecaster creates a forecaster over the aggregate store.
func NewBacktestForecaster(buckets *aggregate.Repository, entities []string, log zerolog.Logger) *BacktestForecaster {
	return &BacktestForecaster{
		buckets:  buckets,
		entities: entities,
		log:      log.With().Str("component", "backtest_forecaster").Logger(),
	}
}

// Evaluate implements Forecaster. The model identifier encodes the
// bucket granularity it forecasts, e.g. "price_forecast_hourly".
func (f *BacktestForecaster) Evaluate(_ context.Context, modelID string) (domain.ModelPerformanceMetric, error) {
	g, err := granularityOf(modelID)
	if err != nil {
		return domain.ModelPerformanceMetric{}, err
	}

	var accuracies, drifts []float64
	for _, entity := range f.entities {
		closes, err := f.closesOldestFirst(entity, g)
		if err != nil {
			return domain.ModelPerformanceMetric{}, err
		}
		if len(closes) < 8 {
			continue
		}
		accuracies = append(accuracies, persistenceAccuracy(closes))
		drifts = append(drifts, returnDrift(closes))
	}

	if len(accuracies) == 0 {
		return domain.ModelPerformanceMetric{}, fmt.Errorf("no entity has enough %s history to evaluate %s", g, modelID)
	}

	return domain.ModelPerformanceMetric{
		ModelID:     modelID,
		Accuracy:    formulas.Mean(accuracies),
		DriftScore:  formulas.Mean(drifts),
		EvaluatedAt: time.Now().UTC(),
	}, nil
}

func (f *BacktestForecaster) closesOldestFirst(entity string, g domain.Granularity) ([]float64, error) {
	buckets, err := f.buckets.ListRecent(entity, g, backtestWindow)
	if err != nil {
		return nil, err
	}

	closes := make([]float64, 0, len(buckets))
	for i := len(buckets) - 1; i >= 0; i-- {
		closes = append(closes, buckets[i].Close)
	}
	return closes, nil
}

// persistenceAccuracy scores the naive forecast close[i] ~ close[i-1]
// as 1 minus the mean absolute percentage error, clamped to [0,1].
func persistenceAccuracy(closes []float64) float64 {
	var sum float64
	n := 0
	for i := 1; i < len(closes); i++ {
		if closes[i] == 0 {
			continue
		}
		sum += math.Abs(closes[i]-closes[i-1]) / math.Abs(closes[i])
		n++
	}
	if n == 0 {
		return 0
	}
	return formulas.Clamp(1-sum/float64(n), 0, 1)
}

// returnDrift measures how far the mean of the recent half of the
// return series sits from the older half, in older-half standard
// deviations, scaled to stay comparable with configured thresholds.
func returnDrift(closes []float64) float64 {
	returns := formulas.Returns(closes)
	if len(returns) < 4 {
		return 0
	}

	half := len(returns) / 2
	older, recent := returns[:half], returns[half:]

	z := math.Abs(formulas.ZScore(formulas.Mean(recent), older))
	return formulas.Clamp(z/10, 0, 1)
}

func granularityOf(modelID string) (domain.Granularity, error) {
	switch {
	case strings.HasSuffix(modelID, "_hourly"):
		return domain.GranularityHourly, nil
	case strings.HasSuffix(modelID, "_daily"):
		return domain.GranularityDaily, nil
	default:
		return "", &domain.ConfigurationError{Field: "Drift.Models", Reason: "model id " + modelID + " does not encode a granularity"}
	}
}
