// SPDX-License-Identifier: Apache-2.0

// Package analytical is the port through which operations reach the
// analytical column-store. Shard routing is resolved here rather than by
// string formatting in migration code, keeping operation definitions
// storage-agnostic.
package analytical

import (
	"context"
	"time"
)

// ShardScope selects where a statement runs.
type ShardScope int

const (
	// ScopeSingle runs the statement once, against the cluster entry point.
	ScopeSingle ShardScope = iota
	// ScopePerShard issues the same statement once per shard using a stable
	// shard-to-connection mapping, so repeated calls hit the same physical
	// shards.
	ScopePerShard
	// ScopeOnCluster runs the statement once cluster-wide, substituting the
	// cluster clause placeholder before execution.
	ScopeOnCluster
)

func (s ShardScope) String() string {
	switch s {
	case ScopeSingle:
		return "single"
	case ScopePerShard:
		return "per-shard"
	case ScopeOnCluster:
		return "on-cluster"
	default:
		return "unknown"
	}
}

// ClusterClausePlaceholder is replaced with the configured ON CLUSTER clause
// when a statement runs with ScopeOnCluster, and stripped otherwise.
const ClusterClausePlaceholder = "{on_cluster_clause}"

// Statement is one unit of SQL handed to the store.
type Statement struct {
	SQL  string
	Args []any

	// QueryID correlates the statement with the issuing operation for
	// tracing and cancellation.
	QueryID string

	// Timeout is enforced by the underlying store as a statement timeout,
	// not by the caller's clock. Zero means the store default.
	Timeout time.Duration

	Scope ShardScope
}

// Client executes statements against the analytical store.
type Client interface {
	// Execute runs the statement according to its shard scope. A per-shard
	// statement waits for every shard before returning; the statement is
	// atomic from the caller's point of view even though it is distributed
	// underneath.
	Execute(ctx context.Context, stmt Statement) error

	// QueryScalar runs a single-row single-column read on the cluster entry
	// point. Used by prechecks and progress estimators.
	QueryScalar(ctx context.Context, sql string, args ...any) (int64, error)

	// ServerVersion reports the datastore server version for service-version
	// requirement checks.
	ServerVersion(ctx context.Context) (string, error)

	// ShardCount reports the number of configured shards.
	ShardCount() int
}
