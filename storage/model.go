package storage

import (
	"time"

	"github.com/evertask/evertask/schedule"
)

// ScheduleDescriptor is the recurring-schedule contract a PersistedTask
// carries; see package schedule for concrete descriptors (cron, interval
// builders) and the drift-free next-occurrence algorithm.
type ScheduleDescriptor = schedule.Descriptor

// Status is the lifecycle state of a PersistedTask. Transitions are driven
// by the executor, the dispatcher and its router, and the recovery service.
type Status string

const (
	StatusWaitingQueue   Status = "WaitingQueue"
	StatusQueued         Status = "Queued"
	StatusInProgress     Status = "InProgress"
	StatusCompleted      Status = "Completed"
	StatusFailed         Status = "Failed"
	StatusCancelled      Status = "Cancelled"
	StatusServiceStopped Status = "ServiceStopped"
)

// Terminal reports whether s is one of the statuses from which a task never
// transitions again (barring a fresh keyed re-registration under the same
// task_key, which creates a new row).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusServiceStopped:
		return true
	default:
		return false
	}
}

// AuditLevel controls how much status/run history a task accumulates.
type AuditLevel string

const (
	AuditFull       AuditLevel = "Full"
	AuditMinimal    AuditLevel = "Minimal"
	AuditErrorsOnly AuditLevel = "ErrorsOnly"
	AuditNone       AuditLevel = "None"
)

// DefaultQueueName is the built-in queue targeted by non-recurring tasks
// that don't declare one.
const DefaultQueueName = "default"

// RecurringQueueName is the built-in queue targeted by recurring tasks
// unless the handler overrides it.
const RecurringQueueName = "recurring"

// MaxTaskKeyLen is the longest accepted task_key; keys are case-sensitive.
const MaxTaskKeyLen = 200

// PersistedTask is the canonical durable record for one unit of work.
type PersistedTask struct {
	ID                    string
	Type                  string
	HandlerType           string
	Payload               []byte
	Status                Status
	QueueName             string
	ScheduledExecutionUTC *time.Time
	LastExecutionUTC      *time.Time
	CurrentRunCount       int
	RecurringInfo         ScheduleDescriptor
	MaxRuns               *int
	RunUntilUTC           *time.Time
	TaskKey               string
	AuditLevel            AuditLevel
	CreatedAtUTC          time.Time
	Exception             string
}

// IsRecurring reports whether this task carries a schedule descriptor and
// therefore continues after a successful run.
func (t *PersistedTask) IsRecurring() bool {
	return t.RecurringInfo != nil
}

// StatusAuditEntry records one status transition, subject to AuditLevel.
type StatusAuditEntry struct {
	TaskID       string
	NewStatus    Status
	ChangedAtUTC time.Time
	Exception    string
}

// RunAuditEntry records one execution attempt (or a skipped-occurrence
// batch, using Status=Completed and a descriptive Exception).
type RunAuditEntry struct {
	TaskID                string
	ExecutionStartedUTC   time.Time
	ExecutionCompletedUTC time.Time
	Status                Status
	Exception             string
}

// ExecutionLogEntry is one buffered log line captured during a run and
// flushed via TaskStorage.SaveExecutionLogs once the task leaves InProgress.
type ExecutionLogEntry struct {
	TaskID    string
	Sequence  int
	Timestamp time.Time
	Level     string
	Message   string
	Exception string
}

// MaxExecutionLogEntries bounds the per-run in-memory log buffer.
const MaxExecutionLogEntries = 1000
