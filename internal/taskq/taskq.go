// SPDX-License-Identifier: Apache-2.0

// Package taskq is the boundary to the worker dispatch system. The runner is
// invoked through it fire-and-forget; the returned handle is persisted on the
// migration record so the health sweep can tell a finished worker from a
// crashed one.
package taskq

import "context"

// Handle identifies one submitted task.
type Handle string

// Executor is the callback a queue implementation invokes to drive a
// migration. freshStart false resumes from the persisted operation index.
type Executor func(ctx context.Context, migrationName string, freshStart bool)

// Queue is the task-queue submission contract.
type Queue interface {
	// Submit enqueues a run of the named migration and returns its handle.
	Submit(migrationName string, freshStart bool) (Handle, error)

	// Revoke cancels the task. Best-effort and inherently racy: the task may
	// complete anyway between the revoke and the actual kill.
	Revoke(handle Handle) error

	// ActiveHandles returns the handles of tasks currently executing.
	ActiveHandles() map[Handle]bool
}
