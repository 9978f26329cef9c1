package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/beacon/internal/domain"
)

var tiers = map[string]int{
	"coinmarketcap": 1,
	"defillama":     2,
	"scraped":       3,
}

func TestScoreIsDeterministic(t *testing.T) {
	s := NewScorer(DefaultMinScore, tiers)
	rec := domain.Record{Source: "coinmarketcap", Symbol: "BTC", Price: 100, Volume: 500}
	recent := []float64{98, 99, 101}

	assert.Equal(t, s.Score(rec, recent), s.Score(rec, recent))
}

func TestZeroVolumeScoresBelowThreshold(t *testing.T) {
	s := NewScorer(DefaultMinScore, tiers)

	// Otherwise perfect record from the most trusted source: zero volume
	// alone must push it below 0.5, stored but excluded from analysis.
	rec := domain.Record{Source: "coinmarketcap", Symbol: "BTC", Price: 100, Volume: 0}
	score := s.Score(rec, []float64{99, 100, 101})

	assert.Less(t, score, 0.5)
	assert.False(t, s.Qualifies(score))
}

func TestCompleteTrustedRecordQualifies(t *testing.T) {
	s := NewScorer(DefaultMinScore, tiers)

	rec := domain.Record{Source: "coinmarketcap", Symbol: "BTC", Price: 100, Volume: 500}
	score := s.Score(rec, []float64{99, 100, 101})

	assert.InDelta(t, 1.0, score, 1e-9)
	assert.True(t, s.Qualifies(score))
}

func TestLowerTierSourcesScoreLower(t *testing.T) {
	s := NewScorer(DefaultMinScore, tiers)
	rec := func(source string) domain.Record {
		return domain.Record{Source: source, Symbol: "BTC", Price: 100, Volume: 500}
	}
	recent := []float64{99, 100, 101}

	tier1 := s.Score(rec("coinmarketcap"), recent)
	tier2 := s.Score(rec("defillama"), recent)
	tier3 := s.Score(rec("scraped"), recent)
	unknown := s.Score(rec("mystery"), recent)

	assert.Greater(t, tier1, tier2)
	assert.Greater(t, tier2, tier3)
	assert.Greater(t, tier3, unknown)
}

func TestImplausibleMagnitudePenalized(t *testing.T) {
	s := NewScorer(DefaultMinScore, tiers)
	recent := []float64{100, 100, 100}

	near := s.Score(domain.Record{Source: "coinmarketcap", Price: 102, Volume: 1}, recent)
	far := s.Score(domain.Record{Source: "coinmarketcap", Price: 140, Volume: 1}, recent)
	extreme := s.Score(domain.Record{Source: "coinmarketcap", Price: 300, Volume: 1}, recent)

	assert.Greater(t, near, far)
	assert.Greater(t, far, extreme)
	assert.False(t, s.Qualifies(extreme))
}

func TestInsufficientHistoryIsNotPenalized(t *testing.T) {
	s := NewScorer(DefaultMinScore, tiers)

	rec := domain.Record{Source: "coinmarketcap", Symbol: "BTC", Price: 100, Volume: 500}
	assert.InDelta(t, 1.0, s.Score(rec, nil), 1e-9)
	assert.InDelta(t, 1.0, s.Score(rec, []float64{100}), 1e-9)
}

func TestMissingPriceScoresNearZero(t *testing.T) {
	s := NewScorer(DefaultMinScore, tiers)

	rec := domain.Record{Source: "coinmarketcap", Symbol: "BTC", Price: 0, Volume: 500}
	score := s.Score(rec, nil)

	assert.Less(t, score, 0.2)
	assert.False(t, s.Qualifies(score))
}
