// SPDX-License-Identifier: Apache-2.0

package core

import "github.com/joomcode/errorx"

var (
	ErrNamespace = errorx.NewNamespace("async-migrations")

	// ConfigurationError covers startup configuration problems such as a broken
	// dependency chain or a violated version gate. These are fatal: the process
	// must not boot until the code or config is fixed.
	ConfigurationError = ErrNamespace.NewType("configuration_error")

	// MigrationNotFound is raised when a record names a definition that was
	// never discovered at setup time.
	MigrationNotFound = ErrNamespace.NewType("migration_not_found", errorx.NotFound())

	// ImpossibleMigration marks a run that a deployment pipeline must treat as
	// a hard failure, distinct from a migration's own Errored state.
	ImpossibleMigration = ErrNamespace.NewType("impossible_migration")
)
