package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, name string) *DB {
	t.Helper()

	db, err := New(Config{
		Path:    "file:" + t.Name() + name + "?mode=memory&cache=shared",
		Profile: ProfileStandard,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t, "ops")

	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())

	// Tables exist after migration.
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('job_runs','alerts','archive_log')`,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMigrateMarketSchemaIncludesWatermarks(t *testing.T) {
	db := openTestDB(t, "market")
	require.NoError(t, db.Migrate())

	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('records','aggregate_buckets','watermarks')`,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestProfilesOpenAndPing(t *testing.T) {
	for _, profile := range []Profile{ProfileStandard, ProfileLedger, ProfileCache} {
		db, err := New(Config{
			Path:    "file:" + t.Name() + string(profile) + "?mode=memory&cache=shared",
			Profile: profile,
			Name:    "probe",
		})
		require.NoError(t, err, "profile %s", profile)
		assert.NoError(t, db.HealthCheck(context.Background()), "profile %s", profile)
		require.NoError(t, db.Close())
	}
}

func TestMigrateUnknownNameIsNoop(t *testing.T) {
	db := openTestDB(t, "something_else")
	assert.NoError(t, db.Migrate())
}

func TestWithTransaction(t *testing.T) {
	db := openTestDB(t, "market")
	require.NoError(t, db.Migrate())

	// Commit on success.
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO records (natural_key, source, symbol, price, observed_at, updated_at)
			 VALUES ('BTC|1|test', 'test', 'BTC', 100, 1, 1)`,
		)
		return err
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n))
	assert.Equal(t, 1, n)

	// Rollback on error.
	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO records (natural_key, source, symbol, price, observed_at, updated_at)
			 VALUES ('ETH|1|test', 'test', 'ETH', 50, 1, 1)`,
		); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)

	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n))
	assert.Equal(t, 1, n, "failed transaction must not leave rows behind")
}

func TestHealthCheck(t *testing.T) {
	db := openTestDB(t, "ops")
	require.NoError(t, db.Migrate())
	assert.NoError(t, db.HealthCheck(context.Background()))
	assert.NoError(t, db.QuickCheck(context.Background()))
}
