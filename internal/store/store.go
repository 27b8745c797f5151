// SPDX-License-Identifier: Apache-2.0

package store

import "context"

// Store is the port through which the registry, runner and dispatcher reach
// the persisted migration state. Implementations must make Update a single
// read-modify-write unit; lockRow asks for a row lock where the backing store
// supports one, and callers that already hold the row pass false.
type Store interface {
	// Setup creates the backing tables if they do not exist yet.
	Setup(ctx context.Context) error

	// Upsert creates the record for name if missing and refreshes the
	// description and version window copied from the definition. Execution
	// state on an existing row is left untouched.
	Upsert(ctx context.Context, name, description, minVersion, maxVersion string) error

	// Get fetches a single record by name.
	Get(ctx context.Context, name string) (*Record, error)

	// All returns every record ordered by name.
	All(ctx context.Context) ([]*Record, error)

	// ByStatus returns the records currently in the given status, ordered by
	// name.
	ByStatus(ctx context.Context, status Status) ([]*Record, error)

	// CountRunning returns how many records are currently Running.
	CountRunning(ctx context.Context) (int, error)

	// Update re-reads the record, applies mutate and writes the result back,
	// all inside one transaction. The mutated record is returned.
	Update(ctx context.Context, name string, lockRow bool, mutate func(*Record) error) (*Record, error)

	// AppendError adds one row to the migration's append-only error log.
	AppendError(ctx context.Context, name, description string) error

	// Errors returns the latest limit error rows for the migration, newest
	// first. A non-positive limit returns all rows.
	Errors(ctx context.Context, name string, limit int) ([]MigrationError, error)
}
