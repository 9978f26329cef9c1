package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the pipeline. Each class carries a distinct retry
// contract:
//
//   - TransientSourceError: network/rate-limit upstream failure. The run
//     fails, the watermark is untouched, the next tick retries the window.
//   - DataIntegrityError: a single malformed record. The record is dropped
//     and logged; the batch continues.
//   - StorageError: upsert/write failure. The run fails, the watermark is
//     untouched, safe to retry.
//   - ConfigurationError: bad job/rule definition. Fatal at startup; the
//     job is never scheduled.

// TransientSourceError wraps an upstream failure that is expected to clear
// on its own.
type TransientSourceError struct {
	SourceID string
	Err      error
}

func (e *TransientSourceError) Error() string {
	return fmt.Sprintf("transient source error (%s): %v", e.SourceID, e.Err)
}

func (e *TransientSourceError) Unwrap() error { return e.Err }

// DataIntegrityError marks a single malformed record. It never aborts a
// batch; the affected record is dropped with a logged reason.
type DataIntegrityError struct {
	NaturalKey string
	Reason     string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity error (%s): %s", e.NaturalKey, e.Reason)
}

// StorageError wraps a write failure that aborts the batch.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigurationError marks an invalid declarative definition. Always fatal
// at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Field, e.Reason)
}

// IsTransient reports whether err is (or wraps) a TransientSourceError.
func IsTransient(err error) bool {
	var t *TransientSourceError
	return errors.As(err, &t)
}

// IsDataIntegrity reports whether err is (or wraps) a DataIntegrityError.
func IsDataIntegrity(err error) bool {
	var d *DataIntegrityError
	return errors.As(err, &d)
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var s *StorageError
	return errors.As(err, &s)
}
