// Package alerts evaluates table-driven anomaly rules over aggregate
// buckets and raises write-once, deduplicated alerts.
package alerts

import (
	"math"

	"github.com/aristath/beacon/internal/config"
	"github.com/aristath/beacon/internal/domain"
	"github.com/aristath/beacon/pkg/formulas"
)

// Metric names understood by the rule table.
const (
	MetricPriceChangePct = "price_change_pct"
	MetricVolumeRatio    = "volume_ratio"
	MetricPriceZScore    = "price_zscore"
)

// Comparison operators understood by the rule table.
const (
	OpGT    = "gt"
	OpLT    = "lt"
	OpAbsGT = "abs_gt"
)

// Minimum history buckets before the ratio and z-score metrics are
// considered meaningful.
const minBaselineBuckets = 3

// Rule is one compiled anomaly rule. Rules are pure data plus two pure
// functions, so adding a rule is a config change, not a code change.
type Rule struct {
	ID           string
	Metric       string
	Op           string
	Threshold    float64
	BaseSeverity domain.Severity
}

// CompileRules converts the validated rule table into evaluable rules.
func CompileRules(cfgs []config.AlertRuleConfig) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		rules = append(rules, Rule{
			ID:           c.ID,
			Metric:       c.Metric,
			Op:           c.Op,
			Threshold:    c.Threshold,
			BaseSeverity: c.BaseSeverity,
		})
	}
	return rules
}

// Triggered reports whether a metric value violates the rule.
func (r Rule) Triggered(v float64) bool {
	switch r.Op {
	case OpGT:
		return v > r.Threshold
	case OpLT:
		return v < r.Threshold
	case OpAbsGT:
		return math.Abs(v) > math.Abs(r.Threshold)
	default:
		return false
	}
}

// SeverityFor returns the severity for a triggering value. The base
// severity escalates one tier when the value reaches twice the threshold
// and two tiers at four times, capped at critical.
func (r Rule) SeverityFor(v float64) domain.Severity {
	if r.Threshold == 0 {
		return r.BaseSeverity
	}

	ratio := math.Abs(v) / math.Abs(r.Threshold)
	switch {
	case ratio >= 4:
		return r.BaseSeverity.Escalate(2)
	case ratio >= 2:
		return r.BaseSeverity.Escalate(1)
	default:
		return r.BaseSeverity
	}
}

// Metrics holds the per-bucket metric values rules evaluate against.
// Nil means the metric has no meaningful value for this bucket (usually
// not enough history) and rules over it are skipped, never fired.
type Metrics struct {
	PriceChangePct *float64
	VolumeRatio    *float64
	PriceZScore    *float64
}

// Value returns the named metric.
func (m Metrics) Value(name string) *float64 {
	switch name {
	case MetricPriceChangePct:
		return m.PriceChangePct
	case MetricVolumeRatio:
		return m.VolumeRatio
	case MetricPriceZScore:
		return m.PriceZScore
	default:
		return nil
	}
}

// ComputeMetrics derives the rule metrics for a bucket from its trailing
// history (same entity and granularity, oldest first, strictly before
// the bucket).
func ComputeMetrics(b *domain.AggregateBucket, history []domain.AggregateBucket) Metrics {
	var m Metrics

	if n := len(history); n > 0 {
		prev := history[n-1]
		if prev.Close != 0 {
			pct := formulas.PctChange(prev.Close, b.Close)
			m.PriceChangePct = &pct
		}
	}

	if len(history) >= minBaselineBuckets {
		volumes := make([]float64, 0, len(history))
		closes := make([]float64, 0, len(history))
		for _, h := range history {
			volumes = append(volumes, h.Volume)
			closes = append(closes, h.Close)
		}

		if mean := formulas.Mean(volumes); mean > 0 {
			ratio := b.Volume / mean
			m.VolumeRatio = &ratio
		}

		z := formulas.ZScore(b.Close, closes)
		m.PriceZScore = &z
	}

	return m
}
