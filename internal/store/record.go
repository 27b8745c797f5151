// SPDX-License-Identifier: Apache-2.0

// Package store persists migration records and their append-only error log
// in a relational metadata store. The record row is the sole coordination
// point between concurrent step-runners, so every mutation goes through a
// single read-modify-write helper that can take a row lock for the duration
// of the update.
package store

import "time"

// Status is the persisted lifecycle state of a migration.
type Status int

const (
	StatusNotStarted Status = iota
	StatusStarting
	StatusRunning
	StatusCompletedSuccessfully
	StatusErrored
	StatusRolledBack
	StatusFailedAtStartup
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NotStarted"
	case StatusStarting:
		return "Starting"
	case StatusRunning:
		return "Running"
	case StatusCompletedSuccessfully:
		return "CompletedSuccessfully"
	case StatusErrored:
		return "Errored"
	case StatusRolledBack:
		return "RolledBack"
	case StatusFailedAtStartup:
		return "FailedAtStartup"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status marks a run that will not advance on
// its own.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompletedSuccessfully, StatusErrored, StatusRolledBack, StatusFailedAtStartup:
		return true
	}
	return false
}

// Record is the durable representation of one migration's execution state.
// Rows are created at setup for every known definition and never deleted;
// they double as audit history.
type Record struct {
	Name        string
	Description string
	Status      Status

	// CurrentOperationIndex only increases monotonically while the record is
	// Running. It equals the operation count once the migration completed and
	// is reset to 0 only on a fresh start or after a successful rollback.
	CurrentOperationIndex int
	Progress              int
	CurrentQueryID        string

	// TaskID is the task-queue handle of the worker driving this migration,
	// kept for crash detection by the health sweep.
	TaskID string

	// MinVersion and MaxVersion are copied from the definition at setup time
	// so compatibility checks survive code changes.
	MinVersion string
	MaxVersion string

	// Parameters holds operator overrides, merged over definition defaults at
	// execution time.
	Parameters map[string]any

	StartedAt  *time.Time
	FinishedAt *time.Time
}

// MigrationError is one row of the append-only failure log surfaced to
// operators. Rows accumulate across failures and are never auto-deleted.
type MigrationError struct {
	ID            int64
	MigrationName string
	Description   string
	CreatedAt     time.Time
}
