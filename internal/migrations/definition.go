// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"context"

	"github.com/PostHog/posthog-sub063/internal/store"
)

// ParameterType constrains operator-supplied parameter overrides.
type ParameterType string

const (
	ParameterInt    ParameterType = "int"
	ParameterString ParameterType = "string"
	ParameterBool   ParameterType = "bool"
)

// Parameter is one operator-overridable input of a migration.
type Parameter struct {
	Default     any
	Description string
	Type        ParameterType
}

// Definition describes one migration. Implementations are constructed once at
// process start, held in the registry for the process lifetime and read-only
// after construction. Migration names double as the natural ordering key:
// migrations run in name-sorted order when no explicit dependency decides.
type Definition interface {
	// Name is the unique key of the migration.
	Name() string

	Description() string

	// MinVersion and MaxVersion bound the application version window in which
	// this migration is relevant. Below min it is premature; above max it is
	// mandatory.
	MinVersion() string
	MaxVersion() string

	// DependsOn names the single predecessor migration. Exactly one
	// definition returns "" (the root); the chain is linked, not a DAG.
	DependsOn() string

	// Parameters lists the operator-overridable inputs with their defaults.
	Parameters() map[string]Parameter

	// IsRequired reports whether this instance needs the migration at all.
	// When false the migration is a safe no-op and can be auto-completed
	// without running any operation.
	IsRequired(ctx context.Context) (bool, error)

	// ServiceVersionRequirement is the minimum underlying datastore version,
	// or "" when any version will do.
	ServiceVersionRequirement() string

	// Precheck verifies the environment before the migration starts, e.g.
	// sufficient free disk.
	Precheck(ctx context.Context) (bool, string)

	// Healthcheck is re-verified periodically while the migration runs.
	Healthcheck(ctx context.Context) (bool, string)

	// Progress estimates completion percent from the record. Estimation is
	// best-effort; a failing estimator never fails the migration.
	Progress(ctx context.Context, record *store.Record, operationCount int) int

	// Operations builds the ordered operation list. Building may itself query
	// the datastore for current state; the registry memoizes the result, so
	// this runs at most once per process.
	Operations(ctx context.Context) ([]*Operation, error)
}

// BaseDefinition supplies the defaults most migrations keep: no parameters,
// always required, no service version requirement, passing checks and an
// index-proportional progress estimate.
type BaseDefinition struct {
	MigrationName        string
	MigrationDescription string
	VersionMin           string
	VersionMax           string
	Dependency           string
}

func (b *BaseDefinition) Name() string        { return b.MigrationName }
func (b *BaseDefinition) Description() string { return b.MigrationDescription }
func (b *BaseDefinition) MinVersion() string  { return b.VersionMin }
func (b *BaseDefinition) MaxVersion() string  { return b.VersionMax }
func (b *BaseDefinition) DependsOn() string   { return b.Dependency }

func (b *BaseDefinition) Parameters() map[string]Parameter { return nil }

func (b *BaseDefinition) IsRequired(context.Context) (bool, error) { return true, nil }

func (b *BaseDefinition) ServiceVersionRequirement() string { return "" }

func (b *BaseDefinition) Precheck(context.Context) (bool, string) { return true, "" }

func (b *BaseDefinition) Healthcheck(context.Context) (bool, string) { return true, "" }

// Progress is the default index-based estimate. The final operation is
// typically the long-running one, so advancing onto it reports 70% and
// completion of the list reports 100%.
func (b *BaseDefinition) Progress(_ context.Context, record *store.Record, operationCount int) int {
	if operationCount == 0 {
		return 100
	}
	if record.CurrentOperationIndex >= operationCount {
		return 100
	}
	if record.CurrentOperationIndex == operationCount-1 {
		return 70
	}
	return record.CurrentOperationIndex * 100 / operationCount
}

// MigrationParameter resolves one parameter for use inside an operation:
// record-level operator override first, definition default otherwise. The
// second return is false for parameters the definition never declared.
func MigrationParameter(def Definition, record *store.Record, name string) (any, bool) {
	v, ok := MergedParameters(def, record)[name]
	return v, ok
}

// MergedParameters lays record-level operator overrides over the definition
// defaults. Overrides for unknown parameters are dropped.
func MergedParameters(def Definition, record *store.Record) map[string]any {
	merged := map[string]any{}
	for name, p := range def.Parameters() {
		merged[name] = p.Default
	}
	if record == nil {
		return merged
	}
	for name, v := range record.Parameters {
		if _, known := merged[name]; known {
			merged[name] = v
		}
	}
	return merged
}
