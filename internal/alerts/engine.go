package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/domain"
)

// Engine runs the rule table against aggregate buckets. It owns the
// raise path end to end: metric derivation, threshold checks, severity
// escalation, durable dedup, and sink fan-out.
type Engine struct {
	rules []Rule
	repo  *Repository
	sinks []Sink
	log   zerolog.Logger
}

// NewEngine creates an alert engine.
func NewEngine(rules []Rule, repo *Repository, sinks []Sink, log zerolog.Logger) *Engine {
	return &Engine{
		rules: rules,
		repo:  repo,
		sinks: sinks,
		log:   log.With().Str("component", "alert_engine").Logger(),
	}
}

// Evaluate runs every rule against one bucket and its trailing history
// (same entity and granularity, oldest first). Returns the alerts that
// were newly raised; suppressed duplicates are counted but not returned.
func (e *Engine) Evaluate(ctx context.Context, b *domain.AggregateBucket, history []domain.AggregateBucket) ([]domain.Alert, error) {
	metrics := ComputeMetrics(b, history)

	var raised []domain.Alert
	suppressed := 0

	for _, rule := range e.rules {
		value := metrics.Value(rule.Metric)
		if value == nil {
			continue
		}
		if !rule.Triggered(*value) {
			continue
		}

		alert := domain.Alert{
			Type:         rule.ID,
			Entity:       b.Entity,
			Severity:     rule.SeverityFor(*value),
			TriggerValue: *value,
			Threshold:    rule.Threshold,
			WindowStart:  b.BucketStart,
			CreatedAt:    time.Now().UTC(),
		}

		inserted, err := e.repo.Insert(&alert)
		if err != nil {
			return raised, err
		}
		if !inserted {
			suppressed++
			continue
		}

		raised = append(raised, alert)
		e.dispatch(ctx, alert)
	}

	if len(raised) > 0 || suppressed > 0 {
		e.log.Info().
			Str("entity", b.Entity).
			Time("window_start", b.BucketStart).
			Int("raised", len(raised)).
			Int("suppressed", suppressed).
			Msg("Rules evaluated")
	}

	return raised, nil
}

// dispatch fans a raised alert out to every sink. Sink failures are
// logged and swallowed; the alert is already durable.
func (e *Engine) dispatch(ctx context.Context, a domain.Alert) {
	for _, sink := range e.sinks {
		if err := sink.Deliver(ctx, a); err != nil {
			e.log.Warn().
				Err(err).
				Str("sink", sink.Name()).
				Str("type", a.Type).
				Str("entity", a.Entity).
				Msg("Alert delivery failed")
		}
	}
}
