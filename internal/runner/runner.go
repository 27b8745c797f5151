// SPDX-License-Identifier: Apache-2.0

// Package runner drives a migration's operation sequence one step at a time,
// persisting state after every step so that another process can take over
// from the recorded index. Almost all failures are captured into the
// migration record rather than returned; Start reports plain success or
// failure and only startup configuration errors propagate as errors
// elsewhere.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/PostHog/posthog-sub063/internal/analytical"
	"github.com/PostHog/posthog-sub063/internal/config"
	"github.com/PostHog/posthog-sub063/internal/core"
	"github.com/PostHog/posthog-sub063/internal/migrations"
	"github.com/PostHog/posthog-sub063/internal/notify"
	"github.com/PostHog/posthog-sub063/internal/store"
	"github.com/automa-saga/logx"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TriggerFunc asks the dispatcher to run a migration. The runner calls it to
// auto-chain the dependent migration after a completion; injecting it keeps
// the dispatcher dependent on the runner and not the other way around.
type TriggerFunc func(migrationName string, freshStart bool)

// Runner is the migration state machine.
type Runner struct {
	registry   *migrations.Registry
	store      store.Store
	analytical analytical.Client
	notifier   notify.Notifier
	settings   config.MigrationsConfig
	logger     *zerolog.Logger

	triggerNext TriggerFunc
}

// Option configures a Runner.
type Option func(*Runner)

func WithAnalytical(client analytical.Client) Option {
	return func(r *Runner) { r.analytical = client }
}

func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

func WithSettings(s config.MigrationsConfig) Option {
	return func(r *Runner) { r.settings = s }
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func New(registry *migrations.Registry, st store.Store, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		store:    st,
		notifier: notify.LogNotifier{},
		settings: config.Get().Migrations,
		logger:   logx.As(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTrigger installs the dispatcher hook used for auto-chaining.
func (r *Runner) SetTrigger(fn TriggerFunc) {
	r.triggerNext = fn
}

// StartOptions tunes one start attempt.
type StartOptions struct {
	// IgnoreVersions skips the application version window check, for
	// administrative runs.
	IgnoreVersions bool
}

// Start validates the preconditions for the named migration and, if they all
// pass, drives the operation sequence to completion or failure. The
// preconditions short-circuit in order; gate failures after the no-op
// short-circuit are recorded on the record as FailedAtStartup. The return
// value is plain success/failure, with the detail on the record.
func (r *Runner) Start(ctx context.Context, name string, opts StartOptions) bool {
	running, err := r.store.CountRunning(ctx)
	if err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Failed to count running migrations")
		return false
	}
	if running >= r.settings.MaxConcurrent {
		r.logger.Warn().
			Str("migration", name).
			Int("running", running).
			Int("max", r.settings.MaxConcurrent).
			Msg("Too many migrations running, not starting")
		return false
	}

	rec, err := r.store.Get(ctx, name)
	if err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Migration record does not exist")
		return false
	}

	if !opts.IgnoreVersions {
		inRange, err := migrations.VersionInRange(rec)
		if err != nil || !inRange {
			reason := fmt.Sprintf("Migration is not compatible with this version (supported window %s - %s)",
				rec.MinVersion, rec.MaxVersion)
			if err != nil {
				reason = err.Error()
			}
			r.failAtStartup(ctx, name, reason)
			return false
		}
	}

	if rec.Status == store.StatusRunning {
		r.logger.Warn().Str("migration", name).Msg("Migration is already running")
		return false
	}

	def, ok := r.registry.Get(name)
	if !ok {
		r.failAtStartup(ctx, name, fmt.Sprintf("Migration %s has an invalid definition", name))
		return false
	}

	required, err := def.IsRequired(ctx)
	if err != nil {
		r.failAtStartup(ctx, name, fmt.Sprintf("Failed to check whether migration is required: %s", err))
		return false
	}
	if !required {
		r.completeNoop(ctx, name)
		return true
	}

	if ok, reason := r.checkServiceVersion(ctx, def.Definition); !ok {
		r.failAtStartup(ctx, name, reason)
		return false
	}

	fulfilled, err := r.registry.DependencyFulfilled(ctx, r.store, name)
	if err != nil {
		r.failAtStartup(ctx, name, err.Error())
		return false
	}
	if !fulfilled {
		r.failAtStartup(ctx, name,
			fmt.Sprintf("Migration %s depends on %s, which has not completed successfully", name, def.DependsOn()))
		return false
	}

	if ok, reason := def.Precheck(ctx); !ok {
		r.failAtStartup(ctx, name, fmt.Sprintf("Precheck failed: %s", reason))
		return false
	}
	if ok, reason := def.Healthcheck(ctx); !ok {
		r.failAtStartup(ctx, name, fmt.Sprintf("Healthcheck failed: %s", reason))
		return false
	}

	now := time.Now().UTC()
	_, err = r.store.Update(ctx, name, true, func(rec *store.Record) error {
		rec.Status = store.StatusRunning
		rec.CurrentOperationIndex = 0
		rec.Progress = 0
		rec.CurrentQueryID = ""
		rec.StartedAt = &now
		rec.FinishedAt = nil
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Failed to transition migration to Running")
		return false
	}

	r.logger.Info().Str("migration", name).Msg("Migration started")
	return r.runRemaining(ctx, name)
}

// Resume continues a Running migration from its persisted operation index,
// typically after a worker crash. The in-flight operation must be resumable;
// a non-resumable one turns the resume into a failure, which triggers the
// default rollback handling.
func (r *Runner) Resume(ctx context.Context, name string) bool {
	rec, err := r.store.Get(ctx, name)
	if err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Cannot resume unknown migration")
		return false
	}
	if rec.Status != store.StatusRunning {
		r.logger.Warn().
			Str("migration", name).
			Str("status", rec.Status.String()).
			Msg("Refusing to resume migration that is not running")
		return false
	}

	ops, err := r.operations(ctx, name)
	if err != nil {
		r.processError(ctx, name, fmt.Sprintf("Failed to build operations while resuming: %s", err))
		return false
	}
	if rec.CurrentOperationIndex < len(ops) && !ops[rec.CurrentOperationIndex].Resumable() {
		r.processError(ctx, name,
			fmt.Sprintf("Cannot resume migration: operation %d is not resumable", rec.CurrentOperationIndex))
		return false
	}

	return r.runRemaining(ctx, name)
}

// RunStep executes exactly one step and returns, so the surrounding task
// queue can treat the gap between steps as a suspension point. done reports a
// terminal state (either completion or failure).
func (r *Runner) RunStep(ctx context.Context, name string) (done bool, ok bool) {
	return r.step(ctx, name)
}

func (r *Runner) runRemaining(ctx context.Context, name string) bool {
	for {
		done, ok := r.step(ctx, name)
		if !ok {
			return false
		}
		if done {
			return true
		}
	}
}

// step runs one iteration of the operation loop. The record is re-fetched
// from durable storage every step; another process may be driving it.
func (r *Runner) step(ctx context.Context, name string) (done bool, ok bool) {
	rec, err := r.store.Get(ctx, name)
	if err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Failed to re-fetch migration record")
		return true, false
	}

	// The re-read is what lets another process take the migration away from
	// this loop: a completed record stays completed, anything else non-Running
	// (a concurrent force stop, a rollback) ends the loop at the step boundary.
	if rec.Status == store.StatusCompletedSuccessfully {
		return true, true
	}
	if rec.Status != store.StatusRunning {
		r.logger.Warn().
			Str("migration", name).
			Str("status", rec.Status.String()).
			Msg("Migration is no longer running, stopping step loop")
		return true, false
	}

	ops, err := r.operations(ctx, name)
	if err != nil {
		r.processError(ctx, name, fmt.Sprintf("Failed to build operations: %s", err))
		return true, false
	}

	if rec.CurrentOperationIndex >= len(ops) {
		r.complete(ctx, name)
		return true, true
	}

	queryID := uuid.NewString()
	op := ops[rec.CurrentOperationIndex]

	if err := op.Forward(ctx, queryID); err != nil {
		r.processError(ctx, name,
			fmt.Sprintf("Exception was thrown while running operation %d: %s", rec.CurrentOperationIndex, err))
		return true, false
	}

	// The index and the query id move in the same update so a crash can only
	// fall between "operation executed" and "index persisted", which is
	// exactly what each operation's resumable flag declares safe or not.
	updated, err := r.store.Update(ctx, name, true, func(rec *store.Record) error {
		rec.CurrentOperationIndex++
		rec.CurrentQueryID = queryID
		return nil
	})
	if err != nil {
		r.processError(ctx, name, fmt.Sprintf("Failed to persist operation index: %s", err))
		return true, false
	}

	r.updateProgress(ctx, name, updated, len(ops))
	return false, true
}

// updateProgress recomputes and persists the progress estimate. Estimation is
// best-effort: any failure here is swallowed, never escalated.
func (r *Runner) updateProgress(ctx context.Context, name string, rec *store.Record, opCount int) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn().
				Str("migration", name).
				Interface("panic", p).
				Msg("Progress estimation panicked, ignoring")
		}
	}()

	def, ok := r.registry.Get(name)
	if !ok {
		return
	}
	progress := def.Progress(ctx, rec, opCount)
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	if _, err := r.store.Update(ctx, name, false, func(rec *store.Record) error {
		rec.Progress = progress
		return nil
	}); err != nil {
		r.logger.Warn().Err(err).Str("migration", name).Msg("Failed to persist progress, ignoring")
	}
}

func (r *Runner) complete(ctx context.Context, name string) {
	now := time.Now().UTC()
	_, err := r.store.Update(ctx, name, true, func(rec *store.Record) error {
		rec.Status = store.StatusCompletedSuccessfully
		rec.Progress = 100
		rec.FinishedAt = &now
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Failed to mark migration complete")
		return
	}
	r.logger.Info().Str("migration", name).Msg("Migration completed successfully")
	r.notifier.Notify(notify.EventMigrationCompleted, name, "Migration completed successfully")

	if r.settings.AutoStart && r.triggerNext != nil {
		if next, ok := r.registry.DependentOf(name); ok {
			r.logger.Info().
				Str("migration", name).
				Str("next", next).
				Msg("Triggering dependent migration")
			r.triggerNext(next, true)
		}
	}
}

func (r *Runner) completeNoop(ctx context.Context, name string) {
	now := time.Now().UTC()
	_, err := r.store.Update(ctx, name, true, func(rec *store.Record) error {
		rec.Status = store.StatusCompletedSuccessfully
		rec.Progress = 100
		rec.FinishedAt = &now
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Failed to mark no-op migration complete")
		return
	}
	r.logger.Info().Str("migration", name).Msg("Migration is not required, marked complete without running")
}

func (r *Runner) failAtStartup(ctx context.Context, name, reason string) {
	if err := r.store.AppendError(ctx, name, reason); err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Failed to append startup error")
	}
	if _, err := r.store.Update(ctx, name, true, func(rec *store.Record) error {
		rec.Status = store.StatusFailedAtStartup
		return nil
	}); err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Failed to mark migration FailedAtStartup")
	}
	r.logger.Warn().Str("migration", name).Str("reason", reason).Msg("Migration failed at startup")
}

// ProcessError records a failure on the migration, alerts the operator and,
// unless auto-rollback is disabled at the instance level, replays the
// compensating actions. Exposed for the dispatcher's crash handling.
func (r *Runner) ProcessError(ctx context.Context, name, description string, rollback bool) {
	r.processErrorOpts(ctx, name, description, rollback)
}

func (r *Runner) processError(ctx context.Context, name, description string) {
	r.processErrorOpts(ctx, name, description, !r.settings.DisableAutoRollback)
}

func (r *Runner) processErrorOpts(ctx context.Context, name, description string, rollback bool) {
	if err := r.store.AppendError(ctx, name, description); err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Failed to append migration error")
	}
	if _, err := r.store.Update(ctx, name, true, func(rec *store.Record) error {
		rec.Status = store.StatusErrored
		return nil
	}); err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Failed to mark migration Errored")
	}

	r.logger.Error().Str("migration", name).Str("error", description).Msg("Migration errored")
	r.notifier.Notify(notify.EventMigrationErrored, name, description)

	if rollback {
		r.Rollback(ctx, name)
	}
}

// Rollback undoes a partially-completed migration by replaying compensating
// actions in reverse, starting from the last-attempted index. The current,
// not-yet-successful step is rolled back too, since a step can partially
// mutate state before failing. A failing compensating action pins the record
// to Errored at that index and stops the sweep; the migration then requires
// manual operator intervention.
func (r *Runner) Rollback(ctx context.Context, name string) bool {
	rec, err := r.store.Get(ctx, name)
	if err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Cannot roll back unknown migration")
		return false
	}

	ops, err := r.operations(ctx, name)
	if err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Failed to build operations for rollback")
		return false
	}

	start := rec.CurrentOperationIndex
	if start > len(ops)-1 {
		start = len(ops) - 1
	}

	for i := start; i >= 0; i-- {
		op := ops[i]
		if !op.HasRollback() {
			continue
		}
		queryID := uuid.NewString()
		if err := op.Rollback(ctx, queryID); err != nil {
			description := fmt.Sprintf("Exception was thrown while rolling back operation %d: %s", i, err)
			if aerr := r.store.AppendError(ctx, name, description); aerr != nil {
				r.logger.Error().Err(aerr).Str("migration", name).Msg("Failed to append rollback error")
			}
			failedIndex := i
			if _, uerr := r.store.Update(ctx, name, true, func(rec *store.Record) error {
				rec.Status = store.StatusErrored
				rec.CurrentOperationIndex = failedIndex
				return nil
			}); uerr != nil {
				r.logger.Error().Err(uerr).Str("migration", name).Msg("Failed to pin migration at failing rollback index")
			}
			r.logger.Error().
				Str("migration", name).
				Int("operation", i).
				Err(err).
				Msg("Rollback failed, manual intervention required")
			r.notifier.Notify(notify.EventRollbackFailed, name, description)
			return false
		}
	}

	if _, err := r.store.Update(ctx, name, true, func(rec *store.Record) error {
		rec.Status = store.StatusRolledBack
		rec.Progress = 0
		rec.CurrentOperationIndex = 0
		return nil
	}); err != nil {
		r.logger.Error().Err(err).Str("migration", name).Msg("Failed to mark migration RolledBack")
		return false
	}

	r.logger.Info().Str("migration", name).Msg("Migration rolled back")
	return true
}

// Healthcheck re-runs the definition's healthcheck for a running migration.
func (r *Runner) Healthcheck(ctx context.Context, name string) (bool, string) {
	def, ok := r.registry.Get(name)
	if !ok {
		return false, fmt.Sprintf("migration %s has no definition", name)
	}
	return def.Healthcheck(ctx)
}

// RefreshProgress best-effort recomputes a running migration's progress.
func (r *Runner) RefreshProgress(ctx context.Context, name string) {
	rec, err := r.store.Get(ctx, name)
	if err != nil {
		return
	}
	ops, err := r.operations(ctx, name)
	if err != nil {
		return
	}
	r.updateProgress(ctx, name, rec, len(ops))
}

func (r *Runner) checkServiceVersion(ctx context.Context, def migrations.Definition) (bool, string) {
	if def.ServiceVersionRequirement() == "" || r.analytical == nil {
		return true, ""
	}
	server, err := r.analytical.ServerVersion(ctx)
	if err != nil {
		return false, fmt.Sprintf("Failed to read datastore version: %s", err)
	}
	ok, err := migrations.ServiceVersionSatisfied(def, server)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, fmt.Sprintf("Datastore version %s is below the required %s",
			server, def.ServiceVersionRequirement())
	}
	return true, ""
}

func (r *Runner) operations(ctx context.Context, name string) ([]*migrations.Operation, error) {
	def, ok := r.registry.Get(name)
	if !ok {
		return nil, core.MigrationNotFound.New("migration %s has no definition", name)
	}
	return def.Operations(ctx)
}
