// Package evertask is a persistent background task execution engine:
// dispatch creates a durable task record, the scheduler releases it at its
// due time, a bounded worker pool executes it with retry and timeout, and
// recurring tasks reschedule themselves drift-free.
package evertask

import "github.com/evertask/evertask/storage"

// The data model lives in package storage (it is the most foundational
// dependency: the storage contract, the dispatcher, the executor, and the
// recovery service all need the same task shape). These aliases let callers
// of this package write evertask.PersistedTask without importing storage
// directly.
type (
	PersistedTask      = storage.PersistedTask
	Status             = storage.Status
	AuditLevel         = storage.AuditLevel
	ScheduleDescriptor = storage.ScheduleDescriptor
	StatusAuditEntry   = storage.StatusAuditEntry
	RunAuditEntry       = storage.RunAuditEntry
	ExecutionLogEntry  = storage.ExecutionLogEntry
)

const (
	StatusWaitingQueue   = storage.StatusWaitingQueue
	StatusQueued         = storage.StatusQueued
	StatusInProgress     = storage.StatusInProgress
	StatusCompleted      = storage.StatusCompleted
	StatusFailed         = storage.StatusFailed
	StatusCancelled      = storage.StatusCancelled
	StatusServiceStopped = storage.StatusServiceStopped

	AuditFull       = storage.AuditFull
	AuditMinimal    = storage.AuditMinimal
	AuditErrorsOnly = storage.AuditErrorsOnly
	AuditNone       = storage.AuditNone

	DefaultQueueName   = storage.DefaultQueueName
	RecurringQueueName = storage.RecurringQueueName
	MaxTaskKeyLen      = storage.MaxTaskKeyLen

	MaxExecutionLogEntries = storage.MaxExecutionLogEntries
)
