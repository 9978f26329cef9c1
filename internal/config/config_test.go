package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/beacon/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BEACON_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.MinQualityScore)
	assert.NotEmpty(t, cfg.Jobs)
	assert.NotEmpty(t, cfg.Sources)
	assert.NotEmpty(t, cfg.Rules)
	assert.NotEmpty(t, cfg.Retention)
}

func TestLoadDeclaresWebsocketSource(t *testing.T) {
	t.Setenv("BEACON_DATA_DIR", t.TempDir())
	t.Setenv("SOURCE_TICKER_WS_URL", "ws://localhost:9001/stream")

	cfg, err := Load()
	require.NoError(t, err)

	var ws *SourceConfig
	for i := range cfg.Sources {
		if cfg.Sources[i].Kind == SourceKindWebsocket {
			ws = &cfg.Sources[i]
		}
	}
	require.NotNil(t, ws)
	assert.Equal(t, "ticker_ws", ws.ID)
	assert.Equal(t, "ws://localhost:9001/stream", ws.BaseURL)

	// The frequent sync drains the stream like any polling source.
	for _, job := range cfg.Jobs {
		if job.ID == "sync_market_data" {
			assert.Contains(t, job.Sources, "ticker_ws")
			return
		}
	}
	t.Fatal("sync_market_data job missing")
}

func TestValidateRejectsUnknownSourceKind(t *testing.T) {
	t.Setenv("BEACON_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	cfg.Sources[0].Kind = "carrier_pigeon"

	err = cfg.Validate()
	require.Error(t, err)

	var cerr *domain.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Field, "Kind")
}

func TestValidateRejectsUnknownSourceReference(t *testing.T) {
	t.Setenv("BEACON_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	cfg.Jobs[0].Sources = append(cfg.Jobs[0].Sources, "nonexistent")

	err = cfg.Validate()
	require.Error(t, err)

	var cerr *domain.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Reason, "nonexistent")
}

func TestValidateRejectsDuplicateJobID(t *testing.T) {
	t.Setenv("BEACON_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	cfg.Jobs = append(cfg.Jobs, cfg.Jobs[0])

	err = cfg.Validate()
	var cerr *domain.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Reason, "duplicate job id")
}

func TestValidateRejectsInvertedBounds(t *testing.T) {
	t.Setenv("BEACON_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	cfg.Jobs[0].Start = &start
	cfg.Jobs[0].End = &end

	err = cfg.Validate()
	var cerr *domain.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Reason, "end bound before start bound")
}

func TestValidateRejectsBadStageName(t *testing.T) {
	t.Setenv("BEACON_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	cfg.Jobs[0].Stages = []string{"teleport"}

	err = cfg.Validate()
	var cerr *domain.ConfigurationError
	require.True(t, errors.As(err, &cerr))
}
