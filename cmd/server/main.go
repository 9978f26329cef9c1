// Package main is the entry point for the Beacon market data pipeline.
// Beacon syncs observations from upstream sources on cron schedules,
// scores and stores them idempotently, rolls them up into OHLC buckets
// with technical indicators, raises anomaly alerts, watches forecasting
// models for drift, and archives aged data to object storage before
// deleting it.
//
// The application uses a 2-database architecture:
// - market.db: raw records, aggregate buckets, sync watermarks
// - ops.db: job runs, alerts, model metrics, retrain requests, archive log
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/beacon/internal/aggregate"
	"github.com/aristath/beacon/internal/alerts"
	"github.com/aristath/beacon/internal/config"
	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
	"github.com/aristath/beacon/internal/drift"
	"github.com/aristath/beacon/internal/jobs"
	"github.com/aristath/beacon/internal/quality"
	"github.com/aristath/beacon/internal/retention"
	"github.com/aristath/beacon/internal/scheduler"
	"github.com/aristath/beacon/internal/server"
	"github.com/aristath/beacon/internal/source"
	"github.com/aristath/beacon/internal/store"
	"github.com/aristath/beacon/internal/watermark"
	"github.com/aristath/beacon/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting Beacon")

	marketDB := mustOpen(log, database.Config{
		Path:    filepath.Join(cfg.DataDir, "market.db"),
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	defer marketDB.Close()

	opsDB := mustOpen(log, database.Config{
		Path:    filepath.Join(cfg.DataDir, "ops.db"),
		Profile: database.ProfileLedger,
		Name:    "ops",
	})
	defer opsDB.Close()

	// Repositories
	records := store.NewRecordStore(marketDB, log)
	buckets := aggregate.NewRepository(marketDB, log)
	watermarks := watermark.NewStore(marketDB, log)
	alertRepo := alerts.NewRepository(opsDB, log)
	driftRepo := drift.NewRepository(opsDB, log)
	runs := scheduler.NewRunRepository(opsDB, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Upstream sources. REST sources poll the gateway; websocket sources
	// hold a live feed and buffer trades for the scheduler to drain.
	// Tiers feed the quality scorer and the symbol union feeds drift
	// backtesting.
	adapter := source.NewAdapter(log)
	tiers := make(map[string]int, len(cfg.Sources))
	var entities []string
	seen := make(map[string]bool)
	for _, sc := range cfg.Sources {
		var src source.Source
		switch sc.Kind {
		case config.SourceKindWebsocket:
			stream := source.NewTickerStream(sc.ID, sc.BaseURL, log)
			if err := stream.Start(ctx); err != nil {
				log.Fatal().Err(err).Str("source", sc.ID).Msg("Failed to start ticker stream")
			}
			defer stream.Stop()
			src = stream
		default:
			src = source.NewRESTSource(sc.ID, sc.BaseURL, sc.Symbols, log)
		}
		adapter.Register(src, sc.RateLimit)

		tiers[sc.ID] = sc.ReliabilityTier
		for _, sym := range sc.Symbols {
			if !seen[sym] {
				seen[sym] = true
				entities = append(entities, sym)
			}
		}
	}
	log.Info().Int("sources", len(cfg.Sources)).Int("symbols", len(entities)).Msg("Sources registered")

	scorer := quality.NewScorer(cfg.MinQualityScore, tiers)
	aggregator := aggregate.NewAggregator(records, buckets, cfg.MinQualityScore, log)

	sinks := []alerts.Sink{alerts.NewLogSink(log)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, alerts.NewWebhookSink(cfg.WebhookURL))
		log.Info().Msg("Webhook alert sink enabled")
	}
	engine := alerts.NewEngine(alerts.CompileRules(cfg.Rules), alertRepo, sinks, log)

	forecaster := drift.NewBacktestForecaster(buckets, entities, log)
	monitor := drift.NewMonitor(forecaster, driftRepo, cfg.Drift, log)

	archiver, err := retention.NewS3Archiver(ctx, cfg.Archive)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize archive target")
	}
	policies := make([]domain.RetentionPolicy, 0, len(cfg.Retention))
	for _, rc := range cfg.Retention {
		policies = append(policies, domain.RetentionPolicy{
			TableClass:    rc.TableClass,
			MaxAge:        rc.MaxAge,
			ArchiveTarget: rc.ArchiveTarget,
		})
	}
	retainer := retention.NewManager(records, buckets, retention.NewArchiveLog(opsDB), archiver, policies, log)

	// Pipeline stages and the cron schedule that drives them.
	registry := jobs.NewRegistry(
		jobs.NewSyncStage(adapter, scorer, records, watermarks, log),
		jobs.NewAggregateStage(aggregator, log),
		jobs.NewAlertStage(engine, buckets, log),
		jobs.NewDriftStage(monitor, log),
		jobs.NewRetentionStage(retainer, log),
	)
	runner := scheduler.NewRunner(registry, runs, watermarks, adapter, log)

	sched := scheduler.New(runner, log)
	for _, job := range cfg.Jobs {
		if err := sched.Register(job); err != nil {
			log.Fatal().Err(err).Str("job", job.ID).Msg("Failed to register job")
		}
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:        log,
		AppConfig:  cfg,
		MarketDB:   marketDB,
		OpsDB:      opsDB,
		Runs:       runs,
		Alerts:     alertRepo,
		Buckets:    buckets,
		Watermarks: watermarks,
		Scheduler:  sched,
		Port:       cfg.Port,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()
	sched.Stop()

	// Graceful shutdown: in-flight requests get 15 seconds to finish.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Checkpoint WAL files so the next start reads clean databases.
	if err := marketDB.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("Market WAL checkpoint failed")
	}
	if err := opsDB.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("Ops WAL checkpoint failed")
	}

	log.Info().Msg("Server stopped")
}

func mustOpen(log zerolog.Logger, cfg database.Config) *database.DB {
	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.Name).Msg("Failed to open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Str("db", cfg.Name).Msg("Failed to migrate database")
	}
	return db
}
