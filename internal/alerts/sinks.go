package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/domain"
)

// Sink delivers a raised alert to a destination. Delivery is best-effort:
// a failing sink is logged and never fails the evaluation that raised the
// alert, because the alert is already durable in the ops database.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a domain.Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "alert_log_sink").Logger()}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(_ context.Context, a domain.Alert) error {
	s.log.Warn().
		Str("type", a.Type).
		Str("entity", a.Entity).
		Str("severity", string(a.Severity)).
		Float64("trigger_value", a.TriggerValue).
		Float64("threshold", a.Threshold).
		Time("window_start", a.WindowStart).
		Msg("Alert raised")
	return nil
}

// WebhookSink POSTs alerts as JSON to a configured URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink for the given URL.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, a domain.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
