package evertask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evertask/evertask/queue"
	"github.com/evertask/evertask/schedule"
	"github.com/evertask/evertask/scheduler"
	"github.com/evertask/evertask/storage"
	"github.com/oklog/ulid/v2"
)

// Router is the common hand-off point between "a task's due time has
// arrived" and "it is sitting in its worker queue, marked Queued" — reached
// both synchronously (an immediate dispatch) and asynchronously (the
// scheduler releasing a delayed or recurring handle). One Router per
// Engine, shared by the Dispatcher, the Executor's recurring-continuation
// hook, and the recovery service.
type Router struct {
	queues    *queue.Manager
	scheduler *scheduler.Sharded
	storage   storage.TaskStorage
	logger    *slog.Logger
}

func NewRouter(queues *queue.Manager, sched *scheduler.Sharded, store storage.TaskStorage, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{queues: queues, scheduler: sched, storage: store, logger: logger}
}

// Route sends a handle to its worker queue if due has already arrived, or
// to the scheduler otherwise. The returned error is non-nil only on the
// synchronous (already-due) path, when the bounded queue rejects the
// handle outright (e.g. queue.ErrQueueFull under queue.ThrowOnFull) — the
// caller must not treat the task as queued. Handles handed to the
// scheduler never fail here; a later scheduler release failure is logged
// by release itself, since nothing is left to report it to by then.
func (r *Router) Route(ctx context.Context, h queue.Handle, due time.Time) error {
	if !due.After(time.Now()) {
		return r.release(ctx, h)
	}
	r.scheduler.Shard(h.TaskID).Enqueue(h, due)
	return nil
}

// release is both the scheduler's Releaser callback and the synchronous
// immediate-dispatch path: hand off to the bounded worker queue, then mark
// the task Queued.
func (r *Router) release(ctx context.Context, h queue.Handle) error {
	if err := r.queues.Enqueue(ctx, h); err != nil {
		r.logger.Error("router: bounded-queue enqueue failed", "task_id", h.TaskID, "queue", h.QueueName, "error", err)
		return fmt.Errorf("router: enqueue %s: %w", h.TaskID, err)
	}
	auditLevel := storage.AuditFull
	if task, err := r.storage.Get(ctx, h.TaskID); err == nil {
		auditLevel = task.AuditLevel
	}
	if err := r.storage.SetStatus(ctx, h.TaskID, storage.StatusQueued, "", auditLevel, nil); err != nil {
		r.logger.Error("router: set_status(Queued) failed", "task_id", h.TaskID, "error", err)
	}
	return nil
}

// Resubmit satisfies the Executor's recurring-continuation hook and the
// recovery service's re-drive of stale tasks — both fire-and-forget, so a
// synchronous-path error (already logged by release) is dropped here.
func (r *Router) Resubmit(ctx context.Context, h queue.Handle, due time.Time) {
	_ = r.Route(ctx, h, due)
}

// ReleaseFunc adapts release to scheduler.Releaser's error-less shape: by
// the time the scheduler calls back, there is no synchronous caller left to
// propagate a failure to, so it is logged (inside release) and dropped.
func (r *Router) ReleaseFunc(ctx context.Context, h queue.Handle) {
	_ = r.release(ctx, h)
}

// DispatchOptions configures one dispatch call. At most one of At, Delay,
// Recurring should be set; none of them means "run immediately".
type DispatchOptions struct {
	TaskKey    string
	AuditLevel storage.AuditLevel
	QueueName  string
	At         *time.Time
	Delay      *time.Duration
	Recurring  *schedule.Builder
}

// Dispatcher is the engine's public data-in/identifiers-out entry point:
// compute the execution target, apply idempotent keyed-registration rules,
// persist, and route.
type Dispatcher struct {
	storage  storage.TaskStorage
	registry *Registry
	active   *ActiveRegistry
	router   *Router
	logger   *slog.Logger

	defaultAudit storage.AuditLevel
	throwIfUnableToPersist bool
}

func NewDispatcher(store storage.TaskStorage, reg *Registry, active *ActiveRegistry, router *Router, logger *slog.Logger, defaultAudit storage.AuditLevel, throwIfUnableToPersist bool) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultAudit == "" {
		defaultAudit = storage.AuditFull
	}
	return &Dispatcher{
		storage: store, registry: reg, active: active, router: router, logger: logger,
		defaultAudit: defaultAudit, throwIfUnableToPersist: throwIfUnableToPersist,
	}
}

// Dispatch registers one unit of work and returns its id.
func (d *Dispatcher) Dispatch(ctx context.Context, taskType string, payload []byte, opts DispatchOptions) (string, error) {
	reg, ok := d.registry.Lookup(taskType)
	if !ok {
		return "", fmt.Errorf("dispatcher: no handler registered for task type %q", taskType)
	}
	if len(opts.TaskKey) > storage.MaxTaskKeyLen {
		return "", fmt.Errorf("dispatcher: task_key exceeds %d characters", storage.MaxTaskKeyLen)
	}

	now := time.Now().UTC()
	due, recurring, maxRuns, runUntil := computeTarget(now, opts)

	queueName := opts.QueueName
	if queueName == "" {
		queueName = reg.QueueName
	}
	if queueName == "" {
		if recurring != nil {
			queueName = storage.RecurringQueueName
		} else {
			queueName = storage.DefaultQueueName
		}
	}

	auditLevel := opts.AuditLevel
	if auditLevel == "" {
		auditLevel = d.defaultAudit
	}

	if opts.TaskKey != "" {
		if id, handled, err := d.dispatchKeyed(ctx, opts.TaskKey, payload, due, recurring, maxRuns, runUntil, queueName); handled {
			return id, err
		}
	}

	task := &storage.PersistedTask{
		Type:                  taskType,
		Payload:               payload,
		Status:                storage.StatusWaitingQueue,
		QueueName:             queueName,
		ScheduledExecutionUTC: &due,
		RecurringInfo:         recurring,
		MaxRuns:               maxRuns,
		RunUntilUTC:           runUntil,
		TaskKey:               opts.TaskKey,
		AuditLevel:            auditLevel,
		CreatedAtUTC:          now,
	}
	return d.persistAndRoute(ctx, task, due)
}

// Cancel transitions id to Cancelled (if not already terminal), signaling a
// running handler if one is in flight.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	task, err := d.storage.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	if task.Status == storage.StatusInProgress {
		d.active.Cancel(ctx, id)
		return nil // the executor observes the signal and persists Cancelled itself
	}
	d.router.scheduler.Shard(id).Cancel(id)
	return d.storage.Cancel(ctx, id)
}

func computeTarget(now time.Time, opts DispatchOptions) (due time.Time, recurring storage.ScheduleDescriptor, maxRuns *int, runUntil *time.Time) {
	switch {
	case opts.Recurring != nil:
		recurring = opts.Recurring.Descriptor()
		maxRuns = opts.Recurring.MaxRunsValue()
		runUntil = opts.Recurring.RunUntilValue()
		if t, ok := opts.Recurring.FirstOccurrence(now); ok {
			due = t
		} else {
			due = now
		}
	case opts.At != nil:
		due = *opts.At
	case opts.Delay != nil:
		due = now.Add(*opts.Delay)
	default:
		due = now
	}
	return
}

// dispatchKeyed applies §4.9.1's idempotency table. handled reports whether
// the caller should use (id, err) as the final result instead of falling
// through to a fresh persist.
func (d *Dispatcher) dispatchKeyed(ctx context.Context, key string, payload []byte, due time.Time, recurring storage.ScheduleDescriptor, maxRuns *int, runUntil *time.Time, queueName string) (id string, handled bool, err error) {
	existing, err := d.storage.GetByTaskKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", false, nil
		}
		return "", true, fmt.Errorf("dispatcher: get_by_task_key: %w", err)
	}

	switch existing.Status {
	case storage.StatusInProgress:
		return existing.ID, true, nil

	case storage.StatusWaitingQueue, storage.StatusQueued:
		if err := d.storage.UpdateSchedule(ctx, existing.ID, payload, due, recurring, maxRuns, runUntil); err != nil {
			return "", true, fmt.Errorf("dispatcher: update_schedule: %w", err)
		}
		if existing.Status == storage.StatusWaitingQueue {
			d.router.scheduler.Shard(existing.ID).Cancel(existing.ID)
			if err := d.router.Route(ctx, queue.Handle{TaskID: existing.ID, QueueName: queueName}, due); err != nil {
				return "", true, fmt.Errorf("dispatcher: route: %w", err)
			}
		} else {
			d.logger.Warn("dispatcher: keyed update for a task already released to its worker queue only affects its next recurrence", "task_key", key, "task_id", existing.ID)
		}
		return existing.ID, true, nil

	default: // terminal: its task_key index entry is already gone; fall through
		return "", false, nil
	}
}

func (d *Dispatcher) persistAndRoute(ctx context.Context, task *storage.PersistedTask, due time.Time) (string, error) {
	id, err := d.storage.Persist(ctx, task)
	if err != nil {
		if d.throwIfUnableToPersist {
			return "", fmt.Errorf("dispatcher: persist: %w", err)
		}
		d.logger.Error("dispatcher: persist failed, proceeding in-memory only", "error", err)
		id = ulid.Make().String()
	}
	if err := d.router.Route(ctx, queue.Handle{TaskID: id, QueueName: task.QueueName}, due); err != nil {
		return id, fmt.Errorf("dispatcher: route: %w", err)
	}
	return id, nil
}
