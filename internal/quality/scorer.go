// Package quality scores ingested records for trustworthiness.
//
// Scores gate what the aggregator and alert engine consume: everything is
// stored for audit, but only records at or above the minimum score feed
// analysis. The scorer is a pure function of the record and recent price
// history, so it is testable without a database.
package quality

import (
	"math"

	"github.com/aristath/beacon/internal/domain"
	"github.com/aristath/beacon/pkg/formulas"
)

// DefaultMinScore is the threshold below which records are stored but
// excluded from aggregation and alerting.
const DefaultMinScore = 0.6

// Component factors. The final score is the product of the three, so any
// single weak component drags the whole record below the gate.
const (
	completenessFull      = 1.0
	completenessNoVolume  = 0.45 // zero volume alone disqualifies from analysis
	completenessNoPrice   = 0.1
	plausibilityUnknown   = 1.0 // too little history to judge
	plausibilityNear      = 1.0 // within 10% of recent mean
	plausibilityStretched = 0.85
	plausibilityFar       = 0.6
	plausibilityExtreme   = 0.3
)

// Scorer assigns normalized quality scores to records.
type Scorer struct {
	minScore float64
	tiers    map[string]int // source id -> reliability tier (1 = most trusted)
}

// NewScorer creates a scorer. Sources absent from tiers score as tier 4.
func NewScorer(minScore float64, tiers map[string]int) *Scorer {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return &Scorer{minScore: minScore, tiers: tiers}
}

// MinScore returns the qualification threshold.
func (s *Scorer) MinScore() float64 {
	return s.minScore
}

// Score assigns a quality score in [0,1] from completeness, source
// reliability, and magnitude plausibility against recent history.
// Deterministic: identical inputs always produce identical scores.
func (s *Scorer) Score(rec domain.Record, recentPrices []float64) float64 {
	score := s.completeness(rec) * s.reliability(rec.Source) * s.plausibility(rec.Price, recentPrices)
	return formulas.Clamp(score, 0, 1)
}

// Qualifies reports whether a score admits the record into aggregation
// and alert evaluation.
func (s *Scorer) Qualifies(score float64) bool {
	return score >= s.minScore
}

func (s *Scorer) completeness(rec domain.Record) float64 {
	switch {
	case rec.Price <= 0:
		return completenessNoPrice
	case rec.Volume <= 0:
		return completenessNoVolume
	default:
		return completenessFull
	}
}

func (s *Scorer) reliability(sourceID string) float64 {
	switch s.tiers[sourceID] {
	case 1:
		return 1.0
	case 2:
		return 0.9
	case 3:
		return 0.8
	default:
		return 0.7
	}
}

func (s *Scorer) plausibility(price float64, recentPrices []float64) float64 {
	if len(recentPrices) < 3 || price <= 0 {
		return plausibilityUnknown
	}

	mean := formulas.Mean(recentPrices)
	if mean == 0 {
		return plausibilityUnknown
	}

	deviation := math.Abs(formulas.PctChange(mean, price))
	switch {
	case deviation < 0.10:
		return plausibilityNear
	case deviation < 0.25:
		return plausibilityStretched
	case deviation < 0.50:
		return plausibilityFar
	default:
		return plausibilityExtreme
	}
}
