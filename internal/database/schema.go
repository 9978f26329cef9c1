package database

// Embedded schemas, keyed by database name. Each schema is idempotent so
// Migrate can run on every startup.
//
// Two-database architecture:
//   - market.db: raw records, aggregate buckets, and watermarks
//     (standard profile). Watermarks live here so a batch upsert and
//     its watermark advance commit in one transaction.
//   - ops.db: job runs, alerts, model metrics, retrain requests,
//     archive log (ledger profile)
var schemas = map[string]string{
	"market": marketSchema,
	"ops":    opsSchema,
}

const marketSchema = `
CREATE TABLE IF NOT EXISTS records (
    natural_key   TEXT PRIMARY KEY,
    source        TEXT NOT NULL,
    symbol        TEXT NOT NULL,
    price         REAL NOT NULL,
    volume        REAL NOT NULL DEFAULT 0,
    market_cap    REAL NOT NULL DEFAULT 0,
    observed_at   INTEGER NOT NULL,
    quality_score REAL NOT NULL DEFAULT 0,
    updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_symbol_observed
    ON records(symbol, observed_at);
CREATE INDEX IF NOT EXISTS idx_records_observed
    ON records(observed_at);

CREATE TABLE IF NOT EXISTS aggregate_buckets (
    entity             TEXT NOT NULL,
    bucket_start       INTEGER NOT NULL,
    granularity        TEXT NOT NULL,
    open               REAL NOT NULL,
    high               REAL NOT NULL,
    low                REAL NOT NULL,
    close              REAL NOT NULL,
    volume             REAL NOT NULL DEFAULT 0,
    indicators         TEXT NOT NULL DEFAULT '{}',
    contributing_count INTEGER NOT NULL DEFAULT 0,
    completeness_score REAL NOT NULL DEFAULT 0,
    updated_at         INTEGER NOT NULL,
    PRIMARY KEY (entity, bucket_start, granularity)
);

CREATE INDEX IF NOT EXISTS idx_buckets_entity_granularity
    ON aggregate_buckets(entity, granularity, bucket_start);

CREATE TABLE IF NOT EXISTS watermarks (
    job_id     TEXT NOT NULL,
    source_id  TEXT NOT NULL,
    last_seen  INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (job_id, source_id)
);
`

const opsSchema = `
CREATE TABLE IF NOT EXISTS job_runs (
    id         TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL,
    tick_time  INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at   INTEGER,
    status     TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_job_runs_job_tick
    ON job_runs(job_id, tick_time DESC);
CREATE INDEX IF NOT EXISTS idx_job_runs_status
    ON job_runs(status);

CREATE TABLE IF NOT EXISTS alerts (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    dedup_key     TEXT NOT NULL UNIQUE,
    type          TEXT NOT NULL,
    entity        TEXT NOT NULL,
    severity      TEXT NOT NULL,
    trigger_value REAL NOT NULL,
    threshold     REAL NOT NULL,
    window_start  INTEGER NOT NULL,
    created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_entity_created
    ON alerts(entity, created_at DESC);

CREATE TABLE IF NOT EXISTS model_metrics (
    model_id     TEXT NOT NULL,
    accuracy     REAL NOT NULL,
    drift_score  REAL NOT NULL,
    evaluated_at INTEGER NOT NULL,
    PRIMARY KEY (model_id, evaluated_at)
);

CREATE TABLE IF NOT EXISTS retrain_requests (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    model_id     TEXT NOT NULL,
    reason       TEXT NOT NULL,
    deficit      REAL NOT NULL,
    requested_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS archive_log (
    table_class  TEXT NOT NULL,
    row_key      TEXT NOT NULL,
    archive_key  TEXT NOT NULL,
    archived_at  INTEGER NOT NULL,
    PRIMARY KEY (table_class, row_key)
);
`
