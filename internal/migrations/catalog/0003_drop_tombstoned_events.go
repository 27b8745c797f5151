// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"

	"github.com/PostHog/posthog-sub063/internal/analytical"
	"github.com/PostHog/posthog-sub063/internal/migrations"
)

// dropTombstonedEvents removes rows soft-deleted by earlier GDPR purges.
// Instances that never ran a purge have nothing to delete, making this a safe
// no-op for them.
type dropTombstonedEvents struct {
	migrations.BaseDefinition
	client analytical.Client
}

func newDropTombstonedEvents(client analytical.Client) *dropTombstonedEvents {
	return &dropTombstonedEvents{
		BaseDefinition: migrations.BaseDefinition{
			MigrationName:        "0003_drop_tombstoned_events",
			MigrationDescription: "Delete events tombstoned by earlier purge requests",
			VersionMin:           "1.35.0",
			VersionMax:           "1.99.0",
			Dependency:           "0002_person_overrides",
		},
		client: client,
	}
}

// IsRequired checks whether any tombstoned rows exist at all.
func (m *dropTombstonedEvents) IsRequired(ctx context.Context) (bool, error) {
	count, err := m.client.QueryScalar(ctx,
		"SELECT count() FROM sharded_events WHERE is_deleted = 1")
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (m *dropTombstonedEvents) Operations(context.Context) ([]*migrations.Operation, error) {
	return []*migrations.Operation{
		// A DELETE mutation is applied asynchronously by the store and
		// re-issuing it is harmless.
		migrations.NewSQLOperation(m.client,
			`ALTER TABLE sharded_events DELETE WHERE is_deleted = 1`,
			"",
			migrations.WithScope(analytical.ScopePerShard),
			migrations.Resumable(),
		),
		migrations.NewSQLOperation(m.client,
			`OPTIMIZE TABLE sharded_events FINAL`,
			"",
			migrations.WithScope(analytical.ScopePerShard),
			migrations.Resumable(),
		),
	}, nil
}
