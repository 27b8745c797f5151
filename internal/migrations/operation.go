// SPDX-License-Identifier: Apache-2.0

// Package migrations defines the migration model: operations, definitions
// and the registry that reconciles them with persisted records. Nothing in
// this package depends on the runner; the runner drives these types through
// the store and analytical ports.
package migrations

import (
	"context"
	"time"

	"github.com/PostHog/posthog-sub063/internal/analytical"
	"github.com/joomcode/errorx"
)

// OperationFunc executes one side of an operation. The query id correlates
// the work with the datastore's query log.
type OperationFunc func(ctx context.Context, queryID string) error

// Operation is the smallest unit of migration work: a forward action plus an
// optional compensating rollback. Operations are constructed once as part of
// a definition's operation list and are immutable afterwards; only their
// position in the list is ever persisted.
type Operation struct {
	forward  OperationFunc
	rollback OperationFunc

	resumable bool
	timeout   time.Duration
	scope     analytical.ShardScope
}

// OperationOption configures an Operation at construction.
type OperationOption func(*Operation)

// WithRollback attaches the compensating action. Rolling back also happens
// for the in-flight step of a failed migration, so the action must tolerate
// partially-applied forward state; that assumption is the author's to uphold,
// it is not verified here.
func WithRollback(fn OperationFunc) OperationOption {
	return func(op *Operation) {
		op.rollback = fn
	}
}

// Resumable marks the forward action safe to re-execute from the same index
// after a worker crash. Non-resumable operations force a rollback instead of
// a retry.
func Resumable() OperationOption {
	return func(op *Operation) {
		op.resumable = true
	}
}

// WithTimeout sets the per-step statement timeout enforced by the store.
func WithTimeout(d time.Duration) OperationOption {
	return func(op *Operation) {
		op.timeout = d
	}
}

// WithScope sets where the operation's statements run.
func WithScope(scope analytical.ShardScope) OperationOption {
	return func(op *Operation) {
		op.scope = scope
	}
}

// NewOperation builds an operation around a forward action.
func NewOperation(forward OperationFunc, opts ...OperationOption) *Operation {
	op := &Operation{
		forward: forward,
		scope:   analytical.ScopeSingle,
	}
	for _, opt := range opts {
		opt(op)
	}
	return op
}

// NewSQLOperation builds an operation whose forward and rollback sides each
// issue one statement against the analytical store. rollbackSQL may be empty,
// leaving the operation irreversible.
func NewSQLOperation(client analytical.Client, forwardSQL, rollbackSQL string, opts ...OperationOption) *Operation {
	op := NewOperation(nil, opts...)
	op.forward = func(ctx context.Context, queryID string) error {
		return client.Execute(ctx, analytical.Statement{
			SQL:     forwardSQL,
			QueryID: queryID,
			Timeout: op.timeout,
			Scope:   op.scope,
		})
	}
	if rollbackSQL != "" {
		op.rollback = func(ctx context.Context, queryID string) error {
			return client.Execute(ctx, analytical.Statement{
				SQL:     rollbackSQL,
				QueryID: queryID,
				Timeout: op.timeout,
				Scope:   op.scope,
			})
		}
	}
	return op
}

// Forward executes the forward action.
func (op *Operation) Forward(ctx context.Context, queryID string) error {
	if op.forward == nil {
		return errorx.IllegalState.New("operation has no forward action")
	}
	return op.forward(ctx, queryID)
}

// HasRollback reports whether a compensating action exists. Absence means the
// operation is not reversible and rollback skips it silently.
func (op *Operation) HasRollback() bool {
	return op.rollback != nil
}

// Rollback executes the compensating action.
func (op *Operation) Rollback(ctx context.Context, queryID string) error {
	if op.rollback == nil {
		return nil
	}
	return op.rollback(ctx, queryID)
}

func (op *Operation) Resumable() bool {
	return op.resumable
}

func (op *Operation) Timeout() time.Duration {
	return op.timeout
}

func (op *Operation) Scope() analytical.ShardScope {
	return op.scope
}
