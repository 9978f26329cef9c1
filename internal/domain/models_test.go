package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildNaturalKey(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)

	key := BuildNaturalKey("BTC", ts, "coinmarketcap")
	assert.Equal(t, "BTC|1717237800|coinmarketcap", key)

	// Same inputs always produce the same key, regardless of zone.
	local := ts.In(time.FixedZone("EET", 2*3600))
	assert.Equal(t, key, BuildNaturalKey("BTC", local, "coinmarketcap"))
}

func TestGranularityTruncate(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 45, 12, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), GranularityHourly.Truncate(ts))
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), GranularityDaily.Truncate(ts))
	assert.Equal(t, time.Hour, GranularityHourly.Duration())
	assert.Equal(t, 24*time.Hour, GranularityDaily.Duration())
}

func TestAggregateBucketValid(t *testing.T) {
	tests := []struct {
		name   string
		bucket AggregateBucket
		want   bool
	}{
		{"valid", AggregateBucket{Open: 100, High: 110, Low: 90, Close: 90}, true},
		{"high below close", AggregateBucket{Open: 100, High: 105, Low: 90, Close: 110}, false},
		{"low above open", AggregateBucket{Open: 100, High: 110, Low: 101, Close: 105}, false},
		{"flat", AggregateBucket{Open: 100, High: 100, Low: 100, Close: 100}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.bucket.Valid())
		})
	}
}

func TestSeverityEscalate(t *testing.T) {
	assert.Equal(t, SeverityLow, SeverityLow.Escalate(0))
	assert.Equal(t, SeverityMedium, SeverityLow.Escalate(1))
	assert.Equal(t, SeverityHigh, SeverityLow.Escalate(2))
	assert.Equal(t, SeverityCritical, SeverityLow.Escalate(3))
	// Capped at critical.
	assert.Equal(t, SeverityCritical, SeverityHigh.Escalate(5))
}

func TestAlertDedupKey(t *testing.T) {
	window := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	a := Alert{Type: "price_spike", Entity: "BTC", WindowStart: window}
	b := Alert{Type: "price_spike", Entity: "BTC", WindowStart: window, TriggerValue: 12}

	// Trigger value does not participate in dedup.
	assert.Equal(t, a.DedupKey(), b.DedupKey())

	c := Alert{Type: "price_spike", Entity: "ETH", WindowStart: window}
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}

func TestErrorTaxonomy(t *testing.T) {
	transient := &TransientSourceError{SourceID: "coinmarketcap", Err: errors.New("rate limited")}
	wrapped := fmt.Errorf("fetch failed: %w", transient)
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsStorage(wrapped))

	storage := &StorageError{Op: "upsert", Err: errors.New("disk full")}
	assert.True(t, IsStorage(storage))
	assert.False(t, IsTransient(storage))

	integrity := &DataIntegrityError{NaturalKey: "BTC|0|x", Reason: "timestamp before 2009"}
	assert.True(t, IsDataIntegrity(integrity))
	assert.Contains(t, integrity.Error(), "timestamp before 2009")
}
