// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"time"

	"github.com/PostHog/posthog-sub063/internal/analytical"
	"github.com/PostHog/posthog-sub063/internal/migrations"
)

// personOverrides backfills the person-id override dictionary used by
// dictionary-based joins at query time. Operators can narrow the backfill
// window through the timestamp parameter.
type personOverrides struct {
	migrations.BaseDefinition
	client analytical.Client
}

func newPersonOverrides(client analytical.Client) *personOverrides {
	return &personOverrides{
		BaseDefinition: migrations.BaseDefinition{
			MigrationName:        "0002_person_overrides",
			MigrationDescription: "Backfill the person distinct-id override dictionary",
			VersionMin:           "1.33.0",
			VersionMax:           "1.99.0",
			Dependency:           "0001_events_sample_by",
		},
		client: client,
	}
}

func (m *personOverrides) Parameters() map[string]migrations.Parameter {
	return map[string]migrations.Parameter{
		"TIMESTAMP_LOWER_BOUND": {
			Default:     "2020-01-01",
			Description: "Only backfill overrides for persons seen on or after this date",
			Type:        migrations.ParameterString,
		},
	}
}

func (m *personOverrides) Operations(context.Context) ([]*migrations.Operation, error) {
	return []*migrations.Operation{
		migrations.NewSQLOperation(m.client,
			`CREATE DICTIONARY IF NOT EXISTS person_overrides_dict `+analytical.ClusterClausePlaceholder+
				` (distinct_id String, person_id UUID) PRIMARY KEY distinct_id
				 SOURCE(CLICKHOUSE(TABLE 'person_distinct_id_overrides')) LAYOUT(COMPLEX_KEY_HASHED())
				 LIFETIME(MIN 0 MAX 300)`,
			`DROP DICTIONARY IF EXISTS person_overrides_dict `+analytical.ClusterClausePlaceholder,
			migrations.WithScope(analytical.ScopeOnCluster),
			migrations.Resumable(),
		),
		migrations.NewSQLOperation(m.client,
			`INSERT INTO person_distinct_id_overrides
				SELECT distinct_id, argMax(person_id, version) FROM person_distinct_id2
				GROUP BY distinct_id`,
			`TRUNCATE TABLE person_distinct_id_overrides`,
			migrations.WithScope(analytical.ScopePerShard),
			migrations.WithTimeout(12*time.Hour),
		),
		migrations.NewSQLOperation(m.client,
			`SYSTEM RELOAD DICTIONARY person_overrides_dict`,
			"",
			migrations.WithScope(analytical.ScopeOnCluster),
			migrations.Resumable(),
		),
	}, nil
}
