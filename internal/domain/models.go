// Package domain contains the core entities of the sync and aggregation
// pipeline. This layer is pure: no database, network, or scheduler
// dependencies, so every business rule here is testable in isolation.
package domain

import (
	"fmt"
	"time"
)

// Granularity identifies the width of an aggregate bucket.
type Granularity string

const (
	// GranularityHourly buckets records into [HH:00, HH+1:00).
	GranularityHourly Granularity = "hourly"
	// GranularityDaily buckets records into calendar days (UTC).
	GranularityDaily Granularity = "daily"
)

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityHourly:
		return time.Hour
	case GranularityDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Truncate returns the start of the bucket containing t (UTC).
func (g Granularity) Truncate(t time.Time) time.Time {
	switch g {
	case GranularityHourly:
		return t.UTC().Truncate(time.Hour)
	case GranularityDaily:
		u := t.UTC()
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.UTC()
	}
}

// Record is a single raw observation ingested from an upstream source.
type Record struct {
	Source       string    `json:"source"`
	Symbol       string    `json:"symbol"`
	NaturalKey   string    `json:"natural_key"`
	Price        float64   `json:"price"`
	Volume       float64   `json:"volume"`
	MarketCap    float64   `json:"market_cap"`
	ObservedAt   time.Time `json:"observed_at"`
	QualityScore float64   `json:"quality_score"`
}

// BuildNaturalKey constructs the idempotency key for a record. Two fetches
// of the same observation must always produce the same key.
func BuildNaturalKey(symbol string, observedAt time.Time, source string) string {
	return fmt.Sprintf("%s|%d|%s", symbol, observedAt.UTC().Unix(), source)
}

// Indicators holds derived technical indicator values for a bucket.
// Pointers distinguish "not enough history" from a genuine zero.
type Indicators struct {
	SMA7       *float64 `json:"sma_7,omitempty"`
	SMA30      *float64 `json:"sma_30,omitempty"`
	EMA12      *float64 `json:"ema_12,omitempty"`
	EMA26      *float64 `json:"ema_26,omitempty"`
	MACD       *float64 `json:"macd,omitempty"`
	RSI14      *float64 `json:"rsi_14,omitempty"`
	BBUpper    *float64 `json:"bb_upper,omitempty"`
	BBLower    *float64 `json:"bb_lower,omitempty"`
	Volatility *float64 `json:"volatility,omitempty"`
	Momentum   *float64 `json:"momentum,omitempty"`
}

// AggregateBucket is one time-bucketed OHLC rollup for an entity. Buckets
// are always recomputed from the full set of qualifying records in range,
// never patched incrementally.
type AggregateBucket struct {
	Entity            string      `json:"entity"`
	BucketStart       time.Time   `json:"bucket_start"`
	Granularity       Granularity `json:"granularity"`
	Open              float64     `json:"open"`
	High              float64     `json:"high"`
	Low               float64     `json:"low"`
	Close             float64     `json:"close"`
	Volume            float64     `json:"volume"`
	Indicators        Indicators  `json:"indicators"`
	ContributingCount int         `json:"contributing_record_count"`
	CompletenessScore float64     `json:"completeness_score"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Valid reports whether the OHLC invariants hold:
// low <= min(open, close) and high >= max(open, close).
func (b *AggregateBucket) Valid() bool {
	if b.High < b.Open || b.High < b.Close {
		return false
	}
	if b.Low > b.Open || b.Low > b.Close {
		return false
	}
	return b.Low <= b.High
}

// Severity classifies how serious an alert is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Escalate raises a severity by n tiers, capped at critical.
func (s Severity) Escalate(n int) Severity {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	idx := 0
	for i, sev := range order {
		if sev == s {
			idx = i
			break
		}
	}
	idx += n
	if idx >= len(order) {
		idx = len(order) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return order[idx]
}

// Alert is a write-once anomaly notification. The pipeline never mutates a
// raised alert; consumers may acknowledge it out of band.
type Alert struct {
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	Entity       string    `json:"entity"`
	Severity     Severity  `json:"severity"`
	TriggerValue float64   `json:"trigger_value"`
	Threshold    float64   `json:"threshold"`
	WindowStart  time.Time `json:"window_start"`
	CreatedAt    time.Time `json:"created_at"`
}

// DedupKey identifies the (rule, entity, window) an alert fired for. A rule
// fires at most once per key.
func (a *Alert) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", a.Type, a.Entity, a.WindowStart.UTC().Unix())
}

// RunStatus is the lifecycle state of a JobRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// JobRun records one tick attempt for a job. The runner exclusively owns
// this lifecycle; a run is terminal once failed, skipped, or succeeded.
type JobRun struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	TickTime  time.Time  `json:"tick_time"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    RunStatus  `json:"status"`
	Error     string     `json:"error,omitempty"`
}

// Watermark is the durable high-water mark for one (job, source) pair.
// It is the single source of truth for what has been ingested and must
// never be re-derived from stored records.
type Watermark struct {
	JobID     string    `json:"job_id"`
	SourceID  string    `json:"source_id"`
	LastSeen  time.Time `json:"last_seen_timestamp"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModelPerformanceMetric is one evaluation of a forecasting model,
// produced by the external Forecaster collaborator.
type ModelPerformanceMetric struct {
	ModelID     string    `json:"model_id"`
	Accuracy    float64   `json:"accuracy"`
	DriftScore  float64   `json:"drift_score"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// RetrainRequest asks downstream training infrastructure to rebuild a
// model. Deficit tags how far below baseline the model has fallen so
// retraining can be prioritized.
type RetrainRequest struct {
	ModelID     string    `json:"model_id"`
	Reason      string    `json:"reason"`
	Deficit     float64   `json:"deficit"`
	RequestedAt time.Time `json:"requested_at"`
}

// RetentionPolicy drives the retention sweep for one table class.
type RetentionPolicy struct {
	TableClass    string        `json:"table_class"`
	MaxAge        time.Duration `json:"max_age"`
	ArchiveTarget string        `json:"archive_target"`
}
