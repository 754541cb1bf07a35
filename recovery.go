package evertask

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/evertask/evertask/queue"
	"github.com/evertask/evertask/schedule"
	"github.com/evertask/evertask/storage"
)

// Recovery runs once at engine startup, before any new dispatch is
// accepted, re-driving every task storage.PendingOnStartup returns.
type Recovery struct {
	storage storage.TaskStorage
	router  *Router
	logger  *slog.Logger
}

func NewRecovery(store storage.TaskStorage, router *Router, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{storage: store, router: router, logger: logger}
}

// Run re-submits every pending task to its worker queue or the scheduler.
// A prior InProgress task is presumed to be an interrupted run from the
// last process (ServiceStopped), requiring at-least-once re-execution;
// handlers must be idempotent.
func (rc *Recovery) Run(ctx context.Context) error {
	pending, err := rc.storage.PendingOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("recovery: pending_on_startup: %w", err)
	}

	now := time.Now().UTC()
	for _, task := range pending {
		switch task.Status {
		case storage.StatusInProgress:
			rc.requeueStopped(ctx, task, now)
		case storage.StatusWaitingQueue, storage.StatusQueued:
			rc.reRoute(ctx, task, now)
		}
	}
	rc.logger.Info("recovery: completed", "task_count", len(pending))
	return nil
}

func (rc *Recovery) requeueStopped(ctx context.Context, task *storage.PersistedTask, now time.Time) {
	if err := rc.storage.SetStatus(ctx, task.ID, storage.StatusServiceStopped, "", task.AuditLevel, nil); err != nil {
		rc.logger.Error("recovery: set_status(ServiceStopped) failed", "task_id", task.ID, "error", err)
	}

	due := now
	if task.IsRecurring() {
		base := now
		if task.ScheduledExecutionUTC != nil {
			base = *task.ScheduledExecutionUTC
		}
		next, skipped, ok, err := schedule.NextValid(task.RecurringInfo, base, now)
		if err != nil {
			rc.logger.Error("recovery: recurring schedule misconfigured, leaving task stopped", "task_id", task.ID, "error", err)
			return
		}
		if !ok || !schedule.WithinStopConditions(next, task.CurrentRunCount+1, task.MaxRuns, task.RunUntilUTC) {
			rc.logger.Info("recovery: recurring task has no further occurrences, leaving it stopped", "task_id", task.ID)
			return
		}
		if len(skipped) > 0 {
			if err := rc.storage.RecordSkippedOccurrences(ctx, task.ID, skipped); err != nil {
				rc.logger.Error("recovery: record_skipped_occurrences failed", "task_id", task.ID, "error", err)
			}
		}
		due = next
	}

	rc.logger.Info("recovery: re-queuing interrupted execution", "task_id", task.ID, "due", due)
	if err := rc.router.Route(ctx, queue.Handle{TaskID: task.ID, QueueName: task.QueueName}, due); err != nil {
		rc.logger.Error("recovery: re-queue failed, task left stuck for the next startup to retry", "task_id", task.ID, "error", err)
	}
}

func (rc *Recovery) reRoute(ctx context.Context, task *storage.PersistedTask, now time.Time) {
	due := now
	if task.ScheduledExecutionUTC != nil {
		due = *task.ScheduledExecutionUTC
	}
	if err := rc.router.Route(ctx, queue.Handle{TaskID: task.ID, QueueName: task.QueueName}, due); err != nil {
		rc.logger.Error("recovery: re-route failed, task left stuck for the next startup to retry", "task_id", task.ID, "error", err)
	}
}
