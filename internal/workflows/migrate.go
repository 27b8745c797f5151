// SPDX-License-Identifier: Apache-2.0

package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/PostHog/posthog-sub063/internal/core"
	"github.com/PostHog/posthog-sub063/internal/migrations"
	"github.com/PostHog/posthog-sub063/internal/runner"
	"github.com/PostHog/posthog-sub063/internal/store"
	"github.com/automa-saga/automa"
	"github.com/automa-saga/logx"
)

// CheckDatastoreStep verifies the analytical store is reachable before any
// migration work begins.
func CheckDatastoreStep(env *Env) automa.Builder {
	return automa.NewStepBuilder().WithId("check-datastore").
		WithExecute(func(ctx context.Context, stp automa.Step) *automa.Report {
			version, err := env.Client.ServerVersion(ctx)
			if err != nil {
				return automa.FailureReport(stp,
					automa.WithError(core.ConfigurationError.Wrap(err, "analytical store is unreachable")))
			}
			logx.As().Info().Str("server_version", version).Msg("Analytical store reachable")
			return automa.SuccessReport(stp)
		})
}

// SetupStep reconciles definitions with persisted records. skipVersionGate is
// set by commands that exist to run migrations rather than merely check them.
func SetupStep(env *Env, skipVersionGate bool) automa.Builder {
	return automa.NewStepBuilder().WithId("setup-migrations").
		WithExecute(func(ctx context.Context, stp automa.Step) *automa.Report {
			err := env.Registry.Setup(ctx, env.Store, migrations.SetupOptions{SkipVersionGate: skipVersionGate})
			if err != nil {
				return automa.FailureReport(stp, automa.WithError(err))
			}
			logx.As().Info().
				Int("migrations", len(env.Registry.Names())).
				Msg("Migration records reconciled")
			return automa.SuccessReport(stp)
		})
}

// RunChainStep walks the dependency chain from the root and runs every
// outstanding migration to completion. A migration below its minimum version
// stops the walk (running it would be premature, and so would running its
// dependents); any other failure is fatal so deployment pipelines halt.
func RunChainStep(env *Env, ignoreVersions bool) automa.Builder {
	return automa.NewStepBuilder().WithId("run-migration-chain").
		WithExecute(func(ctx context.Context, stp automa.Step) *automa.Report {
			for name := env.Registry.Root(); name != ""; {
				rec, err := env.Store.Get(ctx, name)
				if err != nil {
					return automa.FailureReport(stp, automa.WithError(err))
				}

				if rec.Status != store.StatusCompletedSuccessfully {
					if !ignoreVersions {
						inRange, err := migrations.VersionInRange(rec)
						if err != nil {
							return automa.FailureReport(stp, automa.WithError(err))
						}
						if !inRange {
							// Either premature (below min) or overdue past max;
							// the overdue case is caught by the version gate at
							// boot, so stopping the walk is right for both.
							logx.As().Info().
								Str("migration", name).
								Str("min_version", rec.MinVersion).
								Str("max_version", rec.MaxVersion).
								Msg("Migration is outside this version's window, stopping chain walk")
							return automa.SuccessReport(stp)
						}
					}

					logx.As().Info().Str("migration", name).Msg("Running outstanding migration")
					if ok := env.Runner.Start(ctx, name, runner.StartOptions{IgnoreVersions: ignoreVersions}); !ok {
						return automa.FailureReport(stp, automa.WithError(
							migrationFailure(ctx, env, name)))
					}
				}

				next, ok := env.Registry.DependentOf(name)
				if !ok {
					break
				}
				name = next
			}
			return automa.SuccessReport(stp)
		})
}

func migrationFailure(ctx context.Context, env *Env, name string) error {
	latest, err := env.Store.Errors(ctx, name, 1)
	if err == nil && len(latest) > 0 {
		return core.ImpossibleMigration.New(
			"migration %s could not complete: %s", name, latest[0].Description)
	}
	return core.ImpossibleMigration.New("migration %s could not complete", name)
}

// NewRunWorkflow is the CLI default mode: connectivity check, setup, then run
// every outstanding migration in chain order.
func NewRunWorkflow(env *Env, ignoreVersions bool) automa.Builder {
	return automa.NewWorkflowBuilder().WithId("run-async-migrations").Steps(
		CheckDatastoreStep(env),
		SetupStep(env, true),
		RunChainStep(env, ignoreVersions),
	)
}

// NewSetupWorkflow reconciles records and enforces the version gate, used at
// application boot.
func NewSetupWorkflow(env *Env) automa.Builder {
	return automa.NewWorkflowBuilder().WithId("setup-async-migrations").Steps(
		SetupStep(env, false),
	)
}

// PlanEntry is one outstanding migration surfaced by the plan mode.
type PlanEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Status      string `yaml:"status"`
	DependsOn   string `yaml:"dependsOn,omitempty"`
}

// Plan lists the outstanding required migrations without running them.
func Plan(ctx context.Context, env *Env) ([]PlanEntry, error) {
	if err := env.Registry.Setup(ctx, env.Store, migrations.SetupOptions{SkipVersionGate: true}); err != nil {
		return nil, err
	}

	var entries []PlanEntry
	for _, name := range env.Registry.Names() {
		rec, err := env.Store.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if rec.Status == store.StatusCompletedSuccessfully {
			continue
		}
		def, _ := env.Registry.Get(name)
		required, err := def.IsRequired(ctx)
		if err != nil {
			return nil, err
		}
		if !required {
			continue
		}
		entries = append(entries, PlanEntry{
			Name:        name,
			Description: def.Description(),
			Status:      rec.Status.String(),
			DependsOn:   def.DependsOn(),
		})
	}
	return entries, nil
}

// CompleteNoop marks every outstanding migration that is not required and
// whose dependency is fulfilled as complete without running operations, and
// returns the names it completed. Walking in sorted (chain) order lets one
// completion fulfil the next migration's dependency in the same pass.
func CompleteNoop(ctx context.Context, env *Env) ([]string, error) {
	if err := env.Registry.Setup(ctx, env.Store, migrations.SetupOptions{SkipVersionGate: true}); err != nil {
		return nil, err
	}

	var completed []string
	for _, name := range env.Registry.Names() {
		rec, err := env.Store.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if rec.Status == store.StatusCompletedSuccessfully {
			continue
		}
		safe, err := env.Registry.NoopSafeToComplete(ctx, env.Store, name)
		if err != nil {
			return nil, err
		}
		if !safe {
			continue
		}
		now := time.Now().UTC()
		if _, err := env.Store.Update(ctx, name, true, func(rec *store.Record) error {
			rec.Status = store.StatusCompletedSuccessfully
			rec.Progress = 100
			rec.FinishedAt = &now
			return nil
		}); err != nil {
			return nil, err
		}
		completed = append(completed, name)
	}
	return completed, nil
}

// Check computes the pre-upgrade blocking set and renders it for operators.
func Check(ctx context.Context, env *Env) ([]migrations.Blocking, string, error) {
	if err := env.Registry.Setup(ctx, env.Store, migrations.SetupOptions{SkipVersionGate: true}); err != nil {
		return nil, "", err
	}
	blocking, err := env.Registry.BlockingMigrations(ctx, env.Store)
	if err != nil {
		return nil, "", err
	}
	if len(blocking) == 0 {
		return nil, "", nil
	}

	msg := "The following migrations block the upgrade:\n"
	for _, b := range blocking {
		msg += fmt.Sprintf("  - %s (%s): %s\n", b.Name, b.Status, b.Reason)
	}
	msg += "See https://posthog.com/docs/runbook/async-migrations for how to resolve them.\n"
	return blocking, msg, nil
}
