// SPDX-License-Identifier: Apache-2.0

// Package workflows assembles the migration engine's collaborators from
// configuration and composes the saga workflows behind the CLI modes.
package workflows

import (
	"github.com/PostHog/posthog-sub063/internal/analytical"
	"github.com/PostHog/posthog-sub063/internal/config"
	"github.com/PostHog/posthog-sub063/internal/dispatcher"
	"github.com/PostHog/posthog-sub063/internal/migrations"
	"github.com/PostHog/posthog-sub063/internal/migrations/catalog"
	"github.com/PostHog/posthog-sub063/internal/notify"
	"github.com/PostHog/posthog-sub063/internal/runner"
	"github.com/PostHog/posthog-sub063/internal/store"
	"github.com/PostHog/posthog-sub063/internal/taskq"
)

// Env holds the wired collaborators for one process.
type Env struct {
	Store      *store.SQLStore
	Client     analytical.Client
	Registry   *migrations.Registry
	Runner     *runner.Runner
	Dispatcher *dispatcher.Dispatcher
	Queue      *taskq.InProcQueue
}

// NewEnv wires the engine from the global configuration: metadata store,
// analytical client, registry over the catalog, runner and dispatcher with an
// in-process queue.
func NewEnv() (*Env, error) {
	cfg := config.Get()

	st, err := store.Open(cfg.Metadata.Driver, cfg.Metadata.DSN)
	if err != nil {
		return nil, err
	}

	client, err := analytical.NewSQLClient(
		store.DriverPostgres, cfg.Analytical.ClusterDSN, cfg.Analytical.Cluster, cfg.Analytical.ShardDSNs)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry, err := migrations.NewRegistry(catalog.Definitions(client))
	if err != nil {
		st.Close()
		client.Close()
		return nil, err
	}

	notifier := notify.FromConfig(cfg.SMTP)
	run := runner.New(registry, st,
		runner.WithAnalytical(client),
		runner.WithNotifier(notifier),
		runner.WithSettings(cfg.Migrations),
	)

	var queue *taskq.InProcQueue
	disp := dispatcher.New(run, registry, st, func(exec taskq.Executor) taskq.Queue {
		queue = taskq.NewInProcQueue(exec)
		return queue
	}, dispatcher.WithNotifier(notifier), dispatcher.WithSettings(cfg.Migrations))

	return &Env{
		Store:      st,
		Client:     client,
		Registry:   registry,
		Runner:     run,
		Dispatcher: disp,
		Queue:      queue,
	}, nil
}

// Close releases the environment's connections after draining the queue.
func (e *Env) Close() {
	if e.Queue != nil {
		e.Queue.Shutdown()
	}
	if c, ok := e.Client.(*analytical.SQLClient); ok {
		c.Close()
	}
	e.Store.Close()
}
