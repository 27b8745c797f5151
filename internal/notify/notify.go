// SPDX-License-Identifier: Apache-2.0

// Package notify delivers operator alerts about migration events. Delivery is
// fire-and-forget: a failed notification must never affect migration state,
// so implementations log and swallow their own errors.
package notify

import (
	"github.com/automa-saga/logx"
)

// EventKind classifies an operator notification.
type EventKind string

const (
	EventMigrationErrored   EventKind = "migration_errored"
	EventMigrationStopped   EventKind = "migration_stopped_by_operator"
	EventWorkerCrashed      EventKind = "migration_worker_crashed"
	EventRollbackFailed     EventKind = "migration_rollback_failed"
	EventMigrationCompleted EventKind = "migration_completed"
)

// Notifier is the notification delivery contract.
type Notifier interface {
	Notify(kind EventKind, migrationName, details string)
}

// LogNotifier writes notifications to the application log. It is the fallback
// when no email delivery is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(kind EventKind, migrationName, details string) {
	logx.As().Warn().
		Str("event", string(kind)).
		Str("migration", migrationName).
		Str("details", details).
		Msg("Migration event")
}

// NopNotifier discards notifications. Used in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(EventKind, string, string) {}
