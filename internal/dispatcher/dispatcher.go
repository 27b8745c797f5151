// SPDX-License-Identifier: Apache-2.0

// Package dispatcher bridges the fire-and-forget task queue and the runner.
// It submits runs, persists the task handle for crash detection, and sweeps
// for workers that disappeared mid-migration.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/PostHog/posthog-sub063/internal/config"
	"github.com/PostHog/posthog-sub063/internal/migrations"
	"github.com/PostHog/posthog-sub063/internal/notify"
	"github.com/PostHog/posthog-sub063/internal/runner"
	"github.com/PostHog/posthog-sub063/internal/store"
	"github.com/PostHog/posthog-sub063/internal/taskq"
	"github.com/automa-saga/logx"
	"github.com/joomcode/errorx"
	"github.com/rs/zerolog"
)

// Dispatcher submits migration runs to the task queue and reacts to dead
// workers.
type Dispatcher struct {
	runner   *runner.Runner
	registry *migrations.Registry
	store    store.Store
	queue    taskq.Queue
	notifier notify.Notifier
	settings config.MigrationsConfig
	logger   *zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithNotifier(n notify.Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

func WithSettings(s config.MigrationsConfig) Option {
	return func(d *Dispatcher) { d.settings = s }
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New builds a dispatcher and its queue. newQueue receives the dispatcher's
// executor so queue workers call back into the runner; the runner's
// auto-chain trigger is installed here as well.
func New(run *runner.Runner, reg *migrations.Registry, st store.Store,
	newQueue func(taskq.Executor) taskq.Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		runner:   run,
		registry: reg,
		store:    st,
		notifier: notify.LogNotifier{},
		settings: config.Get().Migrations,
		logger:   logx.As(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = newQueue(d.execute)

	run.SetTrigger(func(name string, freshStart bool) {
		if err := d.Trigger(context.Background(), name, freshStart); err != nil {
			d.logger.Error().Err(err).Str("migration", name).Msg("Failed to trigger dependent migration")
		}
	})
	return d
}

// execute is the queue-side entry point.
func (d *Dispatcher) execute(ctx context.Context, name string, freshStart bool) {
	if freshStart {
		d.runner.Start(ctx, name, runner.StartOptions{})
		return
	}
	d.runner.Resume(ctx, name)
}

// Trigger submits a run of the named migration and persists the returned task
// handle on the record for later crash detection. A fresh start moves the
// record to the UI-transient Starting state until the worker picks it up.
func (d *Dispatcher) Trigger(ctx context.Context, name string, freshStart bool) error {
	if freshStart {
		if _, err := d.store.Update(ctx, name, true, func(rec *store.Record) error {
			if rec.Status != store.StatusRunning {
				rec.Status = store.StatusStarting
			}
			return nil
		}); err != nil {
			return err
		}
	}

	handle, err := d.queue.Submit(name, freshStart)
	if err != nil {
		return errorx.IllegalState.Wrap(err, "failed to submit migration %q", name)
	}

	if _, err := d.store.Update(ctx, name, true, func(rec *store.Record) error {
		rec.TaskID = string(handle)
		return nil
	}); err != nil {
		return err
	}

	d.logger.Info().
		Str("migration", name).
		Str("task_id", string(handle)).
		Bool("fresh_start", freshStart).
		Msg("Migration triggered")
	return nil
}

// Kickstart triggers the furthest-back eligible migration in the chain, used
// by the auto-start setting at setup time.
func (d *Dispatcher) Kickstart(ctx context.Context) error {
	name, ok, err := d.registry.KickstartCandidate(ctx, d.store)
	if err != nil {
		return err
	}
	if !ok {
		d.logger.Debug().Msg("No migration eligible for kickstart")
		return nil
	}
	return d.Trigger(ctx, name, true)
}

// ForceStop revokes the migration's task and records an operator-supplied
// reason. The revoke is best-effort and inherently racy: the task may
// complete anyway between the revoke and the actual kill. Rollback runs
// unless suppressed by the caller or disabled at the instance level.
func (d *Dispatcher) ForceStop(ctx context.Context, name, reason string, rollback bool) error {
	rec, err := d.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if rec.Status != store.StatusRunning && rec.Status != store.StatusStarting {
		return errorx.IllegalState.New("migration %q is not running", name)
	}

	if rec.TaskID != "" {
		if err := d.queue.Revoke(taskq.Handle(rec.TaskID)); err != nil {
			d.logger.Warn().Err(err).Str("migration", name).Msg("Failed to revoke migration task")
		}
	}

	description := fmt.Sprintf("Force stopped by operator: %s", reason)
	d.notifier.Notify(notify.EventMigrationStopped, name, description)
	d.runner.ProcessError(ctx, name, description, rollback && !d.settings.DisableAutoRollback)
	return nil
}

// HealthSweep inspects the single Running migration, if any. A vanished
// worker is either resumed from the persisted index (auto-continue on) or
// treated as a step execution failure; a live one gets its healthcheck
// re-verified and its progress refreshed.
func (d *Dispatcher) HealthSweep(ctx context.Context) error {
	running, err := d.store.ByStatus(ctx, store.StatusRunning)
	if err != nil {
		return err
	}
	if len(running) == 0 {
		return nil
	}

	active := d.queue.ActiveHandles()
	for _, rec := range running {
		if !active[taskq.Handle(rec.TaskID)] {
			d.handleCrashedWorker(ctx, rec)
			continue
		}

		if ok, reason := d.runner.Healthcheck(ctx, rec.Name); !ok {
			d.logger.Warn().
				Str("migration", rec.Name).
				Str("reason", reason).
				Msg("Healthcheck failed for running migration, force stopping")
			if err := d.ForceStop(ctx, rec.Name, fmt.Sprintf("healthcheck failed: %s", reason), true); err != nil {
				d.logger.Error().Err(err).Str("migration", rec.Name).Msg("Failed to force stop unhealthy migration")
			}
			continue
		}

		d.runner.RefreshProgress(ctx, rec.Name)
	}
	return nil
}

func (d *Dispatcher) handleCrashedWorker(ctx context.Context, rec *store.Record) {
	d.logger.Warn().
		Str("migration", rec.Name).
		Str("task_id", rec.TaskID).
		Msg("Migration worker disappeared without completing")

	if d.settings.AutoContinue {
		if err := d.Trigger(ctx, rec.Name, false); err != nil {
			d.logger.Error().Err(err).Str("migration", rec.Name).Msg("Failed to resume crashed migration")
		}
		return
	}

	description := "Migration worker crashed while running migration"
	d.notifier.Notify(notify.EventWorkerCrashed, rec.Name, description)
	d.runner.ProcessError(ctx, rec.Name, description, !d.settings.DisableAutoRollback)
}
