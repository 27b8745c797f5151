// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"fmt"
	"testing"

	"github.com/PostHog/posthog-sub063/internal/config"
	"github.com/PostHog/posthog-sub063/internal/migrations"
	"github.com/PostHog/posthog-sub063/internal/notify"
	"github.com/PostHog/posthog-sub063/internal/runner"
	"github.com/PostHog/posthog-sub063/internal/store"
	"github.com/PostHog/posthog-sub063/internal/taskq"
	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue is a scriptable queue. With synchronous on, Submit runs the
// executor inline so tests observe the run's outcome without goroutines.
type fakeQueue struct {
	executor    taskq.Executor
	synchronous bool

	submits []submitCall
	revoked []taskq.Handle
	active  map[taskq.Handle]bool
}

type submitCall struct {
	name       string
	freshStart bool
}

func (q *fakeQueue) Submit(migrationName string, freshStart bool) (taskq.Handle, error) {
	q.submits = append(q.submits, submitCall{migrationName, freshStart})
	handle := taskq.Handle(fmt.Sprintf("task-%d", len(q.submits)))
	if q.synchronous {
		q.executor(context.Background(), migrationName, freshStart)
	}
	return handle, nil
}

func (q *fakeQueue) Revoke(handle taskq.Handle) error {
	q.revoked = append(q.revoked, handle)
	return nil
}

func (q *fakeQueue) ActiveHandles() map[taskq.Handle]bool {
	return q.active
}

type testMigration struct {
	migrations.BaseDefinition

	healthOK     bool
	healthReason string
	ops          []*migrations.Operation
}

func newTestMigration(name, dependsOn string, ops []*migrations.Operation) *testMigration {
	return &testMigration{
		BaseDefinition: migrations.BaseDefinition{
			MigrationName: name,
			VersionMin:    "1.0.0",
			VersionMax:    "1.99.0",
			Dependency:    dependsOn,
		},
		healthOK: true,
		ops:      ops,
	}
}

func (m *testMigration) Healthcheck(context.Context) (bool, string) {
	return m.healthOK, m.healthReason
}

func (m *testMigration) Operations(context.Context) ([]*migrations.Operation, error) {
	return m.ops, nil
}

type capturingNotifier struct {
	events []notify.EventKind
}

func (n *capturingNotifier) Notify(kind notify.EventKind, migrationName, details string) {
	n.events = append(n.events, kind)
}

type harness struct {
	dispatcher *Dispatcher
	queue      *fakeQueue
	store      *store.SQLStore
	notifier   *capturingNotifier
}

func newHarness(t *testing.T, settings config.MigrationsConfig, synchronous bool, defs ...migrations.Definition) *harness {
	t.Helper()

	st, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := migrations.NewRegistry(defs)
	require.NoError(t, err)
	require.NoError(t, reg.Setup(context.Background(), st, migrations.SetupOptions{}))

	notifier := &capturingNotifier{}
	run := runner.New(reg, st,
		runner.WithSettings(settings),
		runner.WithNotifier(notifier),
	)

	q := &fakeQueue{synchronous: synchronous, active: map[taskq.Handle]bool{}}
	d := New(run, reg, st,
		func(exec taskq.Executor) taskq.Queue {
			q.executor = exec
			return q
		},
		WithSettings(settings),
		WithNotifier(notifier),
	)
	return &harness{dispatcher: d, queue: q, store: st, notifier: notifier}
}

func defaultSettings() config.MigrationsConfig {
	return config.MigrationsConfig{MaxConcurrent: 1}
}

func (h *harness) record(t *testing.T, name string) *store.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), name)
	require.NoError(t, err)
	return rec
}

func (h *harness) mutate(t *testing.T, name string, fn func(*store.Record)) {
	t.Helper()
	_, err := h.store.Update(context.Background(), name, true, func(rec *store.Record) error {
		fn(rec)
		return nil
	})
	require.NoError(t, err)
}

func noopOp() *migrations.Operation {
	return migrations.NewOperation(
		func(ctx context.Context, queryID string) error { return nil },
		migrations.WithRollback(func(ctx context.Context, queryID string) error { return nil }),
		migrations.Resumable(),
	)
}

// ============================================================================
// Trigger
// ============================================================================

func TestTrigger_FreshStartPersistsStartingAndTaskID(t *testing.T) {
	h := newHarness(t, defaultSettings(), false, newTestMigration("0001_a", "", nil))

	require.NoError(t, h.dispatcher.Trigger(context.Background(), "0001_a", true))

	rec := h.record(t, "0001_a")
	assert.Equal(t, store.StatusStarting, rec.Status)
	assert.Equal(t, "task-1", rec.TaskID)
	require.Len(t, h.queue.submits, 1)
	assert.True(t, h.queue.submits[0].freshStart)
}

func TestTrigger_ResumeLeavesStatusAlone(t *testing.T) {
	h := newHarness(t, defaultSettings(), false, newTestMigration("0001_a", "", nil))
	h.mutate(t, "0001_a", func(rec *store.Record) { rec.Status = store.StatusRunning })

	require.NoError(t, h.dispatcher.Trigger(context.Background(), "0001_a", false))

	rec := h.record(t, "0001_a")
	assert.Equal(t, store.StatusRunning, rec.Status)
	assert.Equal(t, "task-1", rec.TaskID)
	require.Len(t, h.queue.submits, 1)
	assert.False(t, h.queue.submits[0].freshStart)
}

func TestTrigger_SynchronousRunCompletesMigration(t *testing.T) {
	h := newHarness(t, defaultSettings(), true,
		newTestMigration("0001_a", "", []*migrations.Operation{noopOp()}))

	require.NoError(t, h.dispatcher.Trigger(context.Background(), "0001_a", true))
	assert.Equal(t, store.StatusCompletedSuccessfully, h.record(t, "0001_a").Status)
}

// ============================================================================
// Kickstart
// ============================================================================

func TestKickstart(t *testing.T) {
	t.Run("submits the first eligible migration", func(t *testing.T) {
		h := newHarness(t, defaultSettings(), false,
			newTestMigration("0001_a", "", nil),
			newTestMigration("0002_b", "0001_a", nil),
		)

		require.NoError(t, h.dispatcher.Kickstart(context.Background()))
		require.Len(t, h.queue.submits, 1)
		assert.Equal(t, "0001_a", h.queue.submits[0].name)
	})

	t.Run("skips completed predecessors", func(t *testing.T) {
		h := newHarness(t, defaultSettings(), false,
			newTestMigration("0001_a", "", nil),
			newTestMigration("0002_b", "0001_a", nil),
		)
		h.mutate(t, "0001_a", func(rec *store.Record) { rec.Status = store.StatusCompletedSuccessfully })

		require.NoError(t, h.dispatcher.Kickstart(context.Background()))
		require.Len(t, h.queue.submits, 1)
		assert.Equal(t, "0002_b", h.queue.submits[0].name)
	})

	t.Run("fully completed chain submits nothing", func(t *testing.T) {
		h := newHarness(t, defaultSettings(), false, newTestMigration("0001_a", "", nil))
		h.mutate(t, "0001_a", func(rec *store.Record) { rec.Status = store.StatusCompletedSuccessfully })

		require.NoError(t, h.dispatcher.Kickstart(context.Background()))
		assert.Empty(t, h.queue.submits)
	})
}

// ============================================================================
// Force stop
// ============================================================================

func TestForceStop(t *testing.T) {
	t.Run("revokes the task and rolls back", func(t *testing.T) {
		h := newHarness(t, defaultSettings(), false,
			newTestMigration("0001_a", "", []*migrations.Operation{noopOp()}))
		h.mutate(t, "0001_a", func(rec *store.Record) {
			rec.Status = store.StatusRunning
			rec.CurrentOperationIndex = 1
			rec.TaskID = "task-dead"
		})

		require.NoError(t, h.dispatcher.ForceStop(context.Background(), "0001_a", "disk filling up", true))

		assert.Equal(t, []taskq.Handle{"task-dead"}, h.queue.revoked)
		assert.Contains(t, h.notifier.events, notify.EventMigrationStopped)
		assert.Equal(t, store.StatusRolledBack, h.record(t, "0001_a").Status)

		errs, err := h.store.Errors(context.Background(), "0001_a", 1)
		require.NoError(t, err)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Description, "Force stopped by operator: disk filling up")
	})

	t.Run("rollback suppressed by caller", func(t *testing.T) {
		h := newHarness(t, defaultSettings(), false,
			newTestMigration("0001_a", "", []*migrations.Operation{noopOp()}))
		h.mutate(t, "0001_a", func(rec *store.Record) {
			rec.Status = store.StatusRunning
			rec.CurrentOperationIndex = 1
		})

		require.NoError(t, h.dispatcher.ForceStop(context.Background(), "0001_a", "keep partial state", false))
		assert.Equal(t, store.StatusErrored, h.record(t, "0001_a").Status)
	})

	t.Run("refuses a migration that is not in flight", func(t *testing.T) {
		h := newHarness(t, defaultSettings(), false, newTestMigration("0001_a", "", nil))

		err := h.dispatcher.ForceStop(context.Background(), "0001_a", "nothing to stop", true)
		require.Error(t, err)
		assert.True(t, errorx.IsOfType(err, errorx.IllegalState))
	})
}

// ============================================================================
// Health sweep
// ============================================================================

func TestHealthSweep(t *testing.T) {
	t.Run("nothing running is a no-op", func(t *testing.T) {
		h := newHarness(t, defaultSettings(), false, newTestMigration("0001_a", "", nil))
		require.NoError(t, h.dispatcher.HealthSweep(context.Background()))
		assert.Empty(t, h.queue.submits)
		assert.Empty(t, h.notifier.events)
	})

	t.Run("crashed worker errors the migration", func(t *testing.T) {
		h := newHarness(t, defaultSettings(), false,
			newTestMigration("0001_a", "", []*migrations.Operation{noopOp(), noopOp()}))
		h.mutate(t, "0001_a", func(rec *store.Record) {
			rec.Status = store.StatusRunning
			rec.CurrentOperationIndex = 1
			rec.TaskID = "task-gone"
		})

		require.NoError(t, h.dispatcher.HealthSweep(context.Background()))

		assert.Contains(t, h.notifier.events, notify.EventWorkerCrashed)
		assert.Equal(t, store.StatusRolledBack, h.record(t, "0001_a").Status,
			"default crash handling errors the run, which auto-rolls back")
	})

	t.Run("crashed worker resumes when auto-continue is on", func(t *testing.T) {
		settings := defaultSettings()
		settings.AutoContinue = true
		h := newHarness(t, settings, true,
			newTestMigration("0001_a", "", []*migrations.Operation{noopOp(), noopOp()}))
		h.mutate(t, "0001_a", func(rec *store.Record) {
			rec.Status = store.StatusRunning
			rec.CurrentOperationIndex = 1
			rec.TaskID = "task-gone"
		})

		require.NoError(t, h.dispatcher.HealthSweep(context.Background()))

		require.Len(t, h.queue.submits, 1)
		assert.False(t, h.queue.submits[0].freshStart, "a crashed worker resumes, never restarts")
		assert.Equal(t, store.StatusCompletedSuccessfully, h.record(t, "0001_a").Status)
		assert.NotContains(t, h.notifier.events, notify.EventWorkerCrashed)
	})

	t.Run("live unhealthy worker is force stopped", func(t *testing.T) {
		def := newTestMigration("0001_a", "", []*migrations.Operation{noopOp()})
		def.healthOK = false
		def.healthReason = "datastore disk nearly full"
		h := newHarness(t, defaultSettings(), false, def)
		h.queue.active["task-live"] = true
		h.mutate(t, "0001_a", func(rec *store.Record) {
			rec.Status = store.StatusRunning
			rec.TaskID = "task-live"
		})

		require.NoError(t, h.dispatcher.HealthSweep(context.Background()))

		assert.Equal(t, []taskq.Handle{"task-live"}, h.queue.revoked)
		assert.Contains(t, h.notifier.events, notify.EventMigrationStopped)

		errs, err := h.store.Errors(context.Background(), "0001_a", 1)
		require.NoError(t, err)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Description, "healthcheck failed: datastore disk nearly full")
	})

	t.Run("live healthy worker refreshes progress", func(t *testing.T) {
		h := newHarness(t, defaultSettings(), false,
			newTestMigration("0001_a", "", []*migrations.Operation{noopOp(), noopOp()}))
		h.queue.active["task-live"] = true
		h.mutate(t, "0001_a", func(rec *store.Record) {
			rec.Status = store.StatusRunning
			rec.CurrentOperationIndex = 1
			rec.TaskID = "task-live"
		})

		require.NoError(t, h.dispatcher.HealthSweep(context.Background()))

		rec := h.record(t, "0001_a")
		assert.Equal(t, store.StatusRunning, rec.Status)
		assert.Equal(t, 70, rec.Progress, "index-based estimate for the final operation")
	})
}
