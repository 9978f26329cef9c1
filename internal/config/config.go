// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/aristath/beacon/internal/domain"
)

// Source kinds. REST sources poll the gateway; websocket sources hold a
// live connection and buffer trades for the scheduler to drain.
const (
	SourceKindREST      = "rest"
	SourceKindWebsocket = "websocket"
)

// SourceConfig declares one upstream source the pipeline syncs from.
// BaseURL is the gateway endpoint for REST sources and the ws:// feed
// URL for websocket sources.
type SourceConfig struct {
	ID              string   `validate:"required"`
	Kind            string   `validate:"required,oneof=rest websocket"`
	BaseURL         string   `validate:"required,url"`
	ReliabilityTier int      `validate:"min=1,max=3"` // 1 = most trusted
	RateLimit       int64    `validate:"min=1"`       // max concurrent in-flight fetches
	Symbols         []string `validate:"min=1,dive,required"`
}

// JobConfig declares one scheduled job. Schedule accepts cron specs and
// the @every / @hourly descriptors understood by robfig/cron.
type JobConfig struct {
	ID       string        `validate:"required"`
	Schedule string        `validate:"required"`
	Interval time.Duration `validate:"min=1s"` // run deadline and staleness window
	Sources  []string      // source IDs this job syncs; empty for non-sync jobs
	Stages   []string      `validate:"min=1,dive,oneof=sync aggregate alert drift retention"`
	Start    *time.Time    // no ticks before this bound
	End      *time.Time    // no ticks after this bound
	Enabled  bool
}

// AlertRuleConfig declares one table-driven anomaly rule.
type AlertRuleConfig struct {
	ID           string          `validate:"required"`
	Metric       string          `validate:"required,oneof=price_change_pct volume_ratio price_zscore"`
	Op           string          `validate:"required,oneof=gt lt abs_gt"`
	Threshold    float64         `validate:"required"`
	BaseSeverity domain.Severity `validate:"required,oneof=low medium high critical"`
}

// RetentionConfig declares the retention window for one table class.
type RetentionConfig struct {
	TableClass    string        `validate:"required,oneof=records aggregate_buckets"`
	MaxAge        time.Duration `validate:"min=24h"`
	ArchiveTarget string        `validate:"required"`
}

// DriftConfig holds model drift detection thresholds.
type DriftConfig struct {
	Models       []string `validate:"min=1,dive,required"`
	MinAccuracy  float64  `validate:"gt=0,lte=1"`
	MaxDrift     float64  `validate:"gt=0"`
	BaselineRuns int      `validate:"min=2"`
}

// ArchiveConfig holds the S3-compatible archive target credentials.
// Endpoint is empty for plain AWS S3, set for R2/MinIO style targets.
type ArchiveConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Config holds application configuration
type Config struct {
	DataDir         string // Base directory for all databases (always absolute)
	LogLevel        string
	Port            int
	DevMode         bool
	MinQualityScore float64 `validate:"gte=0,lte=1"`
	WebhookURL      string  // alert webhook sink; empty disables it

	Sources   []SourceConfig    `validate:"min=1,dive"`
	Jobs      []JobConfig       `validate:"min=1,dive"`
	Rules     []AlertRuleConfig `validate:"dive"`
	Retention []RetentionConfig `validate:"dive"`
	Drift     DriftConfig
	Archive   ArchiveConfig
}

// Load reads configuration from environment variables and fills in the
// default declarative job set. Definitions are validated before anything
// is scheduled; a bad definition is fatal at startup.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("BEACON_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	sources := defaultSources()

	cfg := &Config{
		DataDir:         absDataDir,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Port:            getEnvAsInt("BEACON_PORT", 8010),
		DevMode:         getEnvAsBool("DEV_MODE", false),
		MinQualityScore: getEnvAsFloat("MIN_QUALITY_SCORE", 0.6),
		WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
		Sources:         sources,
		Jobs:            defaultJobs(sources),
		Rules:           defaultRules(),
		Retention:       defaultRetention(),
		Drift: DriftConfig{
			Models:       []string{"price_forecast_hourly", "price_forecast_daily"},
			MinAccuracy:  getEnvAsFloat("DRIFT_MIN_ACCURACY", 0.70),
			MaxDrift:     getEnvAsFloat("DRIFT_MAX_SCORE", 0.25),
			BaselineRuns: getEnvAsInt("DRIFT_BASELINE_RUNS", 10),
		},
		Archive: ArchiveConfig{
			Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
			Region:    getEnv("ARCHIVE_S3_REGION", "auto"),
			Bucket:    getEnv("ARCHIVE_S3_BUCKET", "beacon-archive"),
			AccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
			SecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the declarative definitions. Violations become
// ConfigurationError so callers can treat them as fatal-at-startup.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			first := verrs[0]
			return &domain.ConfigurationError{
				Field:  first.Namespace(),
				Reason: fmt.Sprintf("failed %q validation", first.Tag()),
			}
		}
		return err
	}

	// Cross-field checks validator tags cannot express.
	sourceIDs := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if sourceIDs[s.ID] {
			return &domain.ConfigurationError{Field: "Sources", Reason: "duplicate source id " + s.ID}
		}
		sourceIDs[s.ID] = true
	}

	jobIDs := make(map[string]bool, len(c.Jobs))
	for _, j := range c.Jobs {
		if jobIDs[j.ID] {
			return &domain.ConfigurationError{Field: "Jobs", Reason: "duplicate job id " + j.ID}
		}
		jobIDs[j.ID] = true

		for _, src := range j.Sources {
			if !sourceIDs[src] {
				return &domain.ConfigurationError{
					Field:  "Jobs." + j.ID,
					Reason: "references unknown source " + src,
				}
			}
		}

		if j.Start != nil && j.End != nil && j.End.Before(*j.Start) {
			return &domain.ConfigurationError{
				Field:  "Jobs." + j.ID,
				Reason: "end bound before start bound",
			}
		}
	}

	return nil
}

// defaultSources returns the built-in upstream source set. REST base
// URLs point at the market data gateway, which normalizes each
// provider's API into the pipeline's tick format. A live websocket
// ticker source joins the set when its feed URL is configured.
func defaultSources() []SourceConfig {
	symbols := []string{"BTC", "ETH", "BNB", "XRP", "ADA", "SOL", "DOGE", "DOT", "AVAX", "MATIC"}
	gateway := getEnv("BEACON_GATEWAY_URL", "http://localhost:9000")

	sources := []SourceConfig{
		{
			ID:              "coinmarketcap",
			Kind:            SourceKindREST,
			BaseURL:         getEnv("SOURCE_COINMARKETCAP_URL", gateway+"/coinmarketcap"),
			ReliabilityTier: 1,
			RateLimit:       5,
			Symbols:         symbols,
		},
		{
			ID:              "defillama",
			Kind:            SourceKindREST,
			BaseURL:         getEnv("SOURCE_DEFILLAMA_URL", gateway+"/defillama"),
			ReliabilityTier: 2,
			RateLimit:       3,
			Symbols:         symbols,
		},
	}

	if wsURL := getEnv("SOURCE_TICKER_WS_URL", ""); wsURL != "" {
		sources = append(sources, SourceConfig{
			ID:              "ticker_ws",
			Kind:            SourceKindWebsocket,
			BaseURL:         wsURL,
			ReliabilityTier: 1,
			RateLimit:       1,
			Symbols:         symbols,
		})
	}

	return sources
}

// defaultJobs returns the built-in schedule, mirroring the sync cadences
// the platform runs in production. The frequent sync drains every
// declared source, streaming ones included.
func defaultJobs(sources []SourceConfig) []JobConfig {
	syncAll := make([]string, 0, len(sources))
	for _, s := range sources {
		syncAll = append(syncAll, s.ID)
	}

	return []JobConfig{
		{
			ID:       "sync_market_data",
			Schedule: "@every 5m",
			Interval: 5 * time.Minute,
			Sources:  syncAll,
			Stages:   []string{"sync", "aggregate", "alert"},
			Enabled:  true,
		},
		{
			ID:       "rollup_daily",
			Schedule: "30 0 * * *",
			Interval: 24 * time.Hour,
			Sources:  []string{"coinmarketcap"},
			Stages:   []string{"sync", "aggregate"},
			Enabled:  true,
		},
		{
			ID:       "model_drift_check",
			Schedule: "0 */6 * * *",
			Interval: 6 * time.Hour,
			Stages:   []string{"drift"},
			Enabled:  true,
		},
		{
			ID:       "retention_sweep",
			Schedule: "0 2 * * 0",
			Interval: 7 * 24 * time.Hour,
			Stages:   []string{"retention"},
			Enabled:  true,
		},
	}
}

// defaultRules returns the built-in anomaly rule table.
func defaultRules() []AlertRuleConfig {
	return []AlertRuleConfig{
		{ID: "price_spike", Metric: "price_change_pct", Op: "abs_gt", Threshold: 0.05, BaseSeverity: domain.SeverityMedium},
		{ID: "price_crash", Metric: "price_change_pct", Op: "lt", Threshold: -0.10, BaseSeverity: domain.SeverityHigh},
		{ID: "volume_surge", Metric: "volume_ratio", Op: "gt", Threshold: 3.0, BaseSeverity: domain.SeverityLow},
		{ID: "price_outlier", Metric: "price_zscore", Op: "abs_gt", Threshold: 3.0, BaseSeverity: domain.SeverityMedium},
	}
}

// defaultRetention returns the built-in retention windows.
func defaultRetention() []RetentionConfig {
	return []RetentionConfig{
		{TableClass: "records", MaxAge: 365 * 24 * time.Hour, ArchiveTarget: "records/"},
		{TableClass: "aggregate_buckets", MaxAge: 2 * 365 * 24 * time.Hour, ArchiveTarget: "buckets/"},
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
