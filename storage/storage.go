// Package storage defines EverTask's backend-agnostic persistence contract
// and ships two reference implementations: an in-memory backend (package
// memory) and a bbolt-backed durable backend (package bolt).
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and GetByTaskKey when no row matches.
var ErrNotFound = errors.New("storage: task not found")

// TaskStorage is the durable persistence contract every EverTask backend
// implements. All operations may fail with a transient I/O error, which is
// propagated to the caller; see internal/resilience for the executor's
// best-effort retry wrapper around transient failures on status updates.
type TaskStorage interface {
	// Persist inserts a new task and returns its assigned id.
	Persist(ctx context.Context, task *PersistedTask) (string, error)

	Get(ctx context.Context, id string) (*PersistedTask, error)

	// SetStatus atomically updates status (and exception, if non-empty)
	// and, subject to auditLevel, inserts a StatusAuditEntry in the same
	// operation. lastExecutionUTC, when non-nil, stamps last_execution_utc
	// with the instant this execution attempt started — the executor
	// passes it on the Queued->InProgress transition and nil everywhere
	// else, leaving the field untouched on every other transition.
	SetStatus(ctx context.Context, id string, newStatus Status, exception string, auditLevel AuditLevel, lastExecutionUTC *time.Time) error

	// UpdateCurrentRun atomically bumps the run counter and the next
	// scheduled time and, subject to auditLevel, inserts a RunAuditEntry.
	UpdateCurrentRun(ctx context.Context, id string, newRunCount int, nextScheduledUTC *time.Time, lastExecutionUTC time.Time, auditLevel AuditLevel) error

	// UpdateSchedule rewrites the payload and schedule fields of an
	// existing, still non-terminal task in place — used by the dispatcher's
	// keyed-registration path (§4.9.1) to update a WaitingQueue/Queued task
	// under the same id rather than creating a new row. Status is left
	// untouched.
	UpdateSchedule(ctx context.Context, id string, payload []byte, scheduledExecutionUTC time.Time, recurring ScheduleDescriptor, maxRuns *int, runUntilUTC *time.Time) error

	GetByTaskKey(ctx context.Context, key string) (*PersistedTask, error)

	// PendingOnStartup returns every task with status in
	// {WaitingQueue, Queued, InProgress} plus any recurring task with a
	// future scheduled_execution_utc, for the recovery service to re-drive.
	PendingOnStartup(ctx context.Context) ([]*PersistedTask, error)

	// RecordSkippedOccurrences appends one RunAuditEntry describing a
	// batch of missed recurring occurrences.
	RecordSkippedOccurrences(ctx context.Context, id string, skipped []time.Time) error

	SaveExecutionLogs(ctx context.Context, id string, entries []ExecutionLogEntry) error

	// Cancel transitions id to Cancelled if it is not already terminal.
	Cancel(ctx context.Context, id string) error
}
