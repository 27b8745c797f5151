// SPDX-License-Identifier: Apache-2.0

// Package catalog holds this deployment's migration definitions. The engine
// treats these as data: each definition names its predecessor, and the
// registry derives the execution chain from them at process start.
package catalog

import (
	"github.com/PostHog/posthog-sub063/internal/analytical"
	"github.com/PostHog/posthog-sub063/internal/migrations"
)

// Definitions returns every known migration in this deployment, wired to the
// analytical store client they run against.
func Definitions(client analytical.Client) []migrations.Definition {
	return []migrations.Definition{
		newEventsSampleBy(client),
		newPersonOverrides(client),
		newDropTombstonedEvents(client),
	}
}
