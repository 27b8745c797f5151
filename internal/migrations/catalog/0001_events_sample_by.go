// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/PostHog/posthog-sub063/internal/analytical"
	"github.com/PostHog/posthog-sub063/internal/migrations"
	"github.com/PostHog/posthog-sub063/internal/store"
)

// minFreeDiskBytes is the precheck floor: rewriting the events table roughly
// doubles its on-disk footprint until the old table is dropped.
const minFreeDiskBytes = int64(100 << 30)

// eventsSampleBy rewrites the sharded events table with a new sampling key.
// It is the root of the migration chain. The rewrite runs per shard; the
// final attach is cluster-wide.
type eventsSampleBy struct {
	migrations.BaseDefinition
	client analytical.Client
}

func newEventsSampleBy(client analytical.Client) *eventsSampleBy {
	return &eventsSampleBy{
		BaseDefinition: migrations.BaseDefinition{
			MigrationName:        "0001_events_sample_by",
			MigrationDescription: "Rewrite the sharded events table with a new SAMPLE BY clause",
			VersionMin:           "1.30.0",
			VersionMax:           "1.99.0",
		},
		client: client,
	}
}

func (m *eventsSampleBy) ServiceVersionRequirement() string {
	return "21.6.0"
}

// Precheck requires enough free disk on the cluster entry point to hold a
// second copy of the events table.
func (m *eventsSampleBy) Precheck(ctx context.Context) (bool, string) {
	free, err := m.client.QueryScalar(ctx,
		"SELECT free_space FROM system.disks WHERE name = 'default'")
	if err != nil {
		return false, fmt.Sprintf("could not determine free disk space: %s", err)
	}
	if free < minFreeDiskBytes {
		return false, fmt.Sprintf("insufficient free disk space: %d bytes free, %d required", free, minFreeDiskBytes)
	}
	return true, ""
}

func (m *eventsSampleBy) Healthcheck(ctx context.Context) (bool, string) {
	free, err := m.client.QueryScalar(ctx,
		"SELECT free_space FROM system.disks WHERE name = 'default'")
	if err != nil {
		return false, fmt.Sprintf("could not determine free disk space: %s", err)
	}
	if free < minFreeDiskBytes/2 {
		return false, "free disk space dropped below the safety floor mid-migration"
	}
	return true, ""
}

// Progress weighs the backfill step, which dominates wall-clock time.
func (m *eventsSampleBy) Progress(_ context.Context, record *store.Record, operationCount int) int {
	switch {
	case record.CurrentOperationIndex >= operationCount:
		return 100
	case record.CurrentOperationIndex >= 2:
		// The INSERT backfill is running; scale within its band.
		return 50
	default:
		return record.CurrentOperationIndex * 25
	}
}

func (m *eventsSampleBy) Operations(context.Context) ([]*migrations.Operation, error) {
	return []*migrations.Operation{
		// Creating the staging table is idempotent, safe to retry after a
		// crash.
		migrations.NewSQLOperation(m.client,
			`CREATE TABLE IF NOT EXISTS sharded_events_v2 `+analytical.ClusterClausePlaceholder+
				` AS sharded_events SAMPLE BY cityHash64(distinct_id)`,
			`DROP TABLE IF EXISTS sharded_events_v2 `+analytical.ClusterClausePlaceholder,
			migrations.WithScope(analytical.ScopeOnCluster),
			migrations.Resumable(),
		),
		migrations.NewSQLOperation(m.client,
			`ALTER TABLE sharded_events_v2 MODIFY SETTING parts_to_throw_insert = 0`,
			"",
			migrations.WithScope(analytical.ScopePerShard),
			migrations.Resumable(),
		),
		// The backfill mutates data; a partial insert is cleaned by the
		// rollback's truncate, so the step is not resumable.
		migrations.NewSQLOperation(m.client,
			`INSERT INTO sharded_events_v2 SELECT * FROM sharded_events`,
			`TRUNCATE TABLE sharded_events_v2`,
			migrations.WithScope(analytical.ScopePerShard),
			migrations.WithTimeout(24*time.Hour),
		),
		migrations.NewSQLOperation(m.client,
			`RENAME TABLE sharded_events TO sharded_events_backup, sharded_events_v2 TO sharded_events `+
				analytical.ClusterClausePlaceholder,
			`RENAME TABLE sharded_events TO sharded_events_v2, sharded_events_backup TO sharded_events `+
				analytical.ClusterClausePlaceholder,
			migrations.WithScope(analytical.ScopeOnCluster),
		),
	}, nil
}
