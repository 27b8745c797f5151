// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"context"
	"sort"
	"sync"

	"github.com/PostHog/posthog-sub063/internal/core"
	"github.com/PostHog/posthog-sub063/internal/store"
	"github.com/PostHog/posthog-sub063/internal/version"
	"github.com/Masterminds/semver/v3"
	"github.com/automa-saga/logx"
)

// Registered wraps a definition with its memoized operation list. Building
// the list may query the datastore, so it happens at most once per process
// and only when first needed.
type Registered struct {
	Definition

	once   sync.Once
	ops    []*Operation
	opsErr error
}

// Operations returns the memoized operation list, building it on first use.
func (r *Registered) Operations(ctx context.Context) ([]*Operation, error) {
	r.once.Do(func() {
		r.ops, r.opsErr = r.Definition.Operations(ctx)
	})
	return r.ops, r.opsErr
}

// Registry holds every known definition plus the dependency chain derived
// from them. It is constructed once at process start and passed by reference
// to the runner and dispatcher; there is no hidden global.
type Registry struct {
	defs  map[string]*Registered
	names []string

	root string
	// dependentOf maps a migration to the single migration that depends on
	// it, used to auto-chain "run the next migration once this completes".
	dependentOf map[string]string
}

// NewRegistry validates the definitions and builds the dependency chain.
// Exactly one definition must have no dependency; every other must name a
// predecessor that exists. Violations are fatal configuration errors.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{
		defs:        make(map[string]*Registered, len(defs)),
		dependentOf: make(map[string]string),
	}

	for _, def := range defs {
		name := def.Name()
		if name == "" {
			return nil, core.ConfigurationError.New("migration definition with empty name")
		}
		if _, dup := r.defs[name]; dup {
			return nil, core.ConfigurationError.New("duplicate migration definition %q", name)
		}
		r.defs[name] = &Registered{Definition: def}
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)

	for _, name := range r.names {
		def := r.defs[name]
		dep := def.DependsOn()
		if dep == "" {
			if r.root != "" {
				return nil, core.ConfigurationError.New(
					"migrations %q and %q both have no dependency; exactly one root is allowed", r.root, name)
			}
			r.root = name
			continue
		}
		if _, ok := r.defs[dep]; !ok {
			return nil, core.ConfigurationError.New(
				"migration %q depends on unknown migration %q", name, dep)
		}
		if prev, taken := r.dependentOf[dep]; taken {
			return nil, core.ConfigurationError.New(
				"migrations %q and %q both depend on %q; the chain must be linear", prev, name, dep)
		}
		r.dependentOf[dep] = name
	}

	if len(r.names) > 0 && r.root == "" {
		return nil, core.ConfigurationError.New("no root migration: every definition names a dependency")
	}

	return r, nil
}

// Get returns the registered definition, if known.
func (r *Registry) Get(name string) (*Registered, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names returns every migration name in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Root returns the migration with no dependency.
func (r *Registry) Root() string {
	return r.root
}

// DependentOf returns the one migration depending on name, if any.
func (r *Registry) DependentOf(name string) (string, bool) {
	dep, ok := r.dependentOf[name]
	return dep, ok
}

// SetupOptions tunes registry setup for administrative invocations.
type SetupOptions struct {
	// SkipVersionGate suppresses the fatal past-max-version check. Set by
	// commands that exist to run migrations rather than merely check them.
	SkipVersionGate bool
}

// Setup reconciles definitions with persisted records: for every definition
// it upserts a record keyed by name, copying description and version window.
// This runs on every boot so code changes to either propagate without a
// manual migration. It then enforces the version gate unless suppressed.
func (r *Registry) Setup(ctx context.Context, st store.Store, opts SetupOptions) error {
	if err := st.Setup(ctx); err != nil {
		return err
	}

	for _, name := range r.names {
		def := r.defs[name]
		if err := st.Upsert(ctx, name, def.Description(), def.MinVersion(), def.MaxVersion()); err != nil {
			return err
		}
	}

	if opts.SkipVersionGate {
		return nil
	}
	return r.checkVersionGate(ctx, st)
}

// checkVersionGate refuses to boot an application that has moved past a
// migration's supported window while the migration is still outstanding.
func (r *Registry) checkVersionGate(ctx context.Context, st store.Store) error {
	appVersion, err := version.Frozen()
	if err != nil {
		return core.ConfigurationError.Wrap(err, "cannot evaluate migration version gate")
	}

	records, err := st.All(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.Status == store.StatusCompletedSuccessfully {
			continue
		}
		if _, known := r.defs[rec.Name]; !known {
			// Stale record from a removed definition; it cannot block boot.
			continue
		}
		past, err := version.PastMax(appVersion, rec.MaxVersion)
		if err != nil {
			return core.ConfigurationError.Wrap(err, "migration %q has an invalid version window", rec.Name)
		}
		if past {
			return core.ConfigurationError.New(
				"migration %q must complete before running version %s (supported up to %s)",
				rec.Name, appVersion, rec.MaxVersion)
		}
	}
	return nil
}

// DependencyFulfilled reports whether name's predecessor has completed. The
// root migration has no predecessor and is always fulfilled.
func (r *Registry) DependencyFulfilled(ctx context.Context, st store.Store, name string) (bool, error) {
	def, ok := r.defs[name]
	if !ok {
		return false, core.MigrationNotFound.New("unknown migration %q", name)
	}
	dep := def.DependsOn()
	if dep == "" {
		return true, nil
	}
	depRec, err := st.Get(ctx, dep)
	if err != nil {
		return false, err
	}
	return depRec.Status == store.StatusCompletedSuccessfully, nil
}

// NoopSafeToComplete reports whether name can be marked complete without
// running anything: not required for this instance and its dependency
// fulfilled.
func (r *Registry) NoopSafeToComplete(ctx context.Context, st store.Store, name string) (bool, error) {
	def, ok := r.defs[name]
	if !ok {
		return false, core.MigrationNotFound.New("unknown migration %q", name)
	}
	required, err := def.IsRequired(ctx)
	if err != nil {
		return false, err
	}
	if required {
		return false, nil
	}
	return r.DependencyFulfilled(ctx, st, name)
}

// KickstartCandidate finds the furthest-back migration in the chain that is
// still NotStarted, whose dependency is fulfilled and whose version window
// matches the running application. Used by the auto-start trigger.
func (r *Registry) KickstartCandidate(ctx context.Context, st store.Store) (string, bool, error) {
	appVersion, err := version.Frozen()
	if err != nil {
		return "", false, err
	}

	for name := r.root; name != ""; {
		def := r.defs[name]
		rec, err := st.Get(ctx, name)
		if err != nil {
			return "", false, err
		}

		switch rec.Status {
		case store.StatusCompletedSuccessfully:
			next, ok := r.dependentOf[name]
			if !ok {
				return "", false, nil
			}
			name = next
			continue
		case store.StatusNotStarted:
			fulfilled, err := r.DependencyFulfilled(ctx, st, name)
			if err != nil {
				return "", false, err
			}
			if !fulfilled {
				return "", false, nil
			}
			inRange, err := version.InRange(appVersion, def.MinVersion(), def.MaxVersion())
			if err != nil || !inRange {
				return "", false, err
			}
			return name, true, nil
		default:
			// Anything in flight or failed stops the walk; auto-start never
			// jumps over an unresolved migration.
			return "", false, nil
		}
	}
	return "", false, nil
}

// Blocking describes one migration that must resolve before an application
// upgrade may proceed.
type Blocking struct {
	Name   string
	Status store.Status
	Reason string
}

// BlockingMigrations computes the pre-upgrade set: migrations that are
// incomplete, required and past the application's version window, plus any
// Running, Starting or Errored migration regardless of window.
func (r *Registry) BlockingMigrations(ctx context.Context, st store.Store) ([]Blocking, error) {
	appVersion, err := version.Frozen()
	if err != nil {
		return nil, err
	}

	records, err := st.All(ctx)
	if err != nil {
		return nil, err
	}

	var blocking []Blocking
	for _, rec := range records {
		switch rec.Status {
		case store.StatusCompletedSuccessfully:
			continue
		case store.StatusRunning, store.StatusStarting:
			blocking = append(blocking, Blocking{rec.Name, rec.Status, "migration is in flight"})
			continue
		case store.StatusErrored:
			blocking = append(blocking, Blocking{rec.Name, rec.Status, "migration has an unresolved failure"})
			continue
		}

		def, known := r.defs[rec.Name]
		if !known {
			continue
		}
		noop, err := r.NoopSafeToComplete(ctx, st, rec.Name)
		if err != nil {
			return nil, err
		}
		if noop {
			continue
		}
		required, err := def.IsRequired(ctx)
		if err != nil {
			return nil, err
		}
		if !required {
			continue
		}
		past, err := version.PastMax(appVersion, rec.MaxVersion)
		if err != nil {
			return nil, core.ConfigurationError.Wrap(err, "migration %q has an invalid version window", rec.Name)
		}
		if past {
			blocking = append(blocking, Blocking{rec.Name, rec.Status,
				"required migration is outstanding past its supported version window"})
		}
	}

	if len(blocking) > 0 {
		logx.As().Warn().Int("count", len(blocking)).Msg("Blocking migrations found")
	}
	return blocking, nil
}

// VersionInRange checks the record's copied window against the frozen
// application version.
func VersionInRange(rec *store.Record) (bool, error) {
	appVersion, err := version.Frozen()
	if err != nil {
		return false, err
	}
	return version.InRange(appVersion, rec.MinVersion, rec.MaxVersion)
}

// ServiceVersionSatisfied checks the definition's datastore requirement
// against the given server version string.
func ServiceVersionSatisfied(def Definition, serverVersion string) (bool, error) {
	req := def.ServiceVersionRequirement()
	if req == "" {
		return true, nil
	}
	sv, err := semver.NewVersion(serverVersion)
	if err != nil {
		return false, core.ConfigurationError.Wrap(err, "unparseable datastore version %q", serverVersion)
	}
	min, err := semver.NewVersion(req)
	if err != nil {
		return false, core.ConfigurationError.Wrap(err, "migration %q has an invalid service version requirement %q", def.Name(), req)
	}
	return !sv.LessThan(min), nil
}
