// Package retention archives aged rows to object storage and deletes
// them from the live databases. Deletion strictly follows a durable
// archive marker, so a crash anywhere in the sweep loses nothing.
package retention

import (
	"database/sql"
	"time"

	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
)

// Table classes the sweep understands.
const (
	ClassRecords = "records"
	ClassBuckets = "aggregate_buckets"
)

// ArchiveLog records which rows have been durably archived. Markers are
// written only after a successful upload and are never removed, making
// the sweep idempotent: a marked row is re-deletable but never
// re-uploaded.
type ArchiveLog struct {
	db *database.DB
}

// NewArchiveLog creates an archive log over the ops database.
func NewArchiveLog(db *database.DB) *ArchiveLog {
	return &ArchiveLog{db: db}
}

// Archived returns the subset of keys that already carry a marker.
func (l *ArchiveLog) Archived(tableClass string, keys []string) (map[string]bool, error) {
	archived := make(map[string]bool, len(keys))
	for _, key := range keys {
		var n int
		err := l.db.QueryRow(
			`SELECT COUNT(*) FROM archive_log WHERE table_class = ? AND row_key = ?`,
			tableClass, key,
		).Scan(&n)
		if err != nil {
			return nil, &domain.StorageError{Op: "archive log lookup", Err: err}
		}
		if n > 0 {
			archived[key] = true
		}
	}
	return archived, nil
}

// Mark writes markers for a batch of rows under one archive object key.
// All markers commit atomically with the upload already durable, so a
// marker always implies a retrievable archive object.
func (l *ArchiveLog) Mark(tableClass, archiveKey string, keys []string) error {
	now := time.Now().UTC().Unix()
	return database.WithTransaction(l.db.Conn(), func(tx *sql.Tx) error {
		for _, key := range keys {
			_, err := tx.Exec(
				`INSERT INTO archive_log (table_class, row_key, archive_key, archived_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(table_class, row_key) DO NOTHING`,
				tableClass, key, archiveKey, now,
			)
			if err != nil {
				return &domain.StorageError{Op: "archive log mark", Err: err}
			}
		}
		return nil
	})
}
