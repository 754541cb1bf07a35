package evertask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evertask/evertask/internal/eventbus"
	"github.com/evertask/evertask/internal/resilience"
	"github.com/evertask/evertask/queue"
	"github.com/evertask/evertask/retry"
	"github.com/evertask/evertask/schedule"
	"github.com/evertask/evertask/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Observer receives a copy of every status-change event the executor
// produces. Transport is out of scope for the core: eventbus.NATSPublisher
// is one concrete implementation, but an Engine can run with zero
// observers.
type Observer interface {
	Publish(ctx context.Context, ev eventbus.StatusEvent)
}

// Resubmit hands a recurring task's next occurrence (or a fresh re-queue
// during recovery) back to whichever of the bounded queue or the scheduler
// is appropriate for its due time. Engine wires this once at construction.
type Resubmit func(ctx context.Context, h queue.Handle, due time.Time)

// timeoutMarker is appended to the persisted exception text when a task
// fails because its deadline elapsed, so storage consumers can distinguish
// it from an ordinary handler error without a dedicated status.
const timeoutMarker = "[timeout]"

// QueueOverride carries a named queue's own timeout/retry defaults, applied
// when a handler registration declares neither — between the handler's own
// configuration and the engine-wide default in the precedence chain.
type QueueOverride struct {
	Timeout     time.Duration
	RetryPolicy *retry.Policy
}

// Executor runs one dequeued handle to completion: start/outcome/reschedule
// transitions, retry-policy-wrapped handler invocation under a composed
// cancel signal, execution log flushing, and lifecycle hook dispatch. It
// satisfies worker.Execute via its Run method.
type Executor struct {
	storage  storage.TaskStorage
	registry *Registry
	active   *ActiveRegistry
	resubmit Resubmit
	logger   *slog.Logger

	defaultRetry   *retry.Policy
	defaultTimeout time.Duration
	defaultAudit   storage.AuditLevel
	queueDefaults  map[string]QueueOverride

	observers []Observer

	tracer   trace.Tracer
	duration metric.Float64Histogram
	outcomes metric.Int64Counter
}

// ExecutorConfig bundles the engine-wide defaults applied when a handler
// registration does not override them.
type ExecutorConfig struct {
	DefaultRetryPolicy *retry.Policy
	DefaultTimeout     time.Duration
	DefaultAuditLevel  storage.AuditLevel
	QueueDefaults      map[string]QueueOverride
	Observers          []Observer
}

func NewExecutor(store storage.TaskStorage, reg *Registry, active *ActiveRegistry, resubmit Resubmit, logger *slog.Logger, cfg ExecutorConfig) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultRetryPolicy == nil {
		cfg.DefaultRetryPolicy = retry.Linear(0, 0)
	}
	if cfg.DefaultAuditLevel == "" {
		cfg.DefaultAuditLevel = storage.AuditFull
	}
	meter := otel.Meter("evertask")
	duration, _ := meter.Float64Histogram("evertask_execution_duration_ms")
	outcomes, _ := meter.Int64Counter("evertask_execution_outcomes_total")

	return &Executor{
		storage:        store,
		registry:       reg,
		active:         active,
		resubmit:       resubmit,
		logger:         logger,
		defaultRetry:   cfg.DefaultRetryPolicy,
		defaultTimeout: cfg.DefaultTimeout,
		defaultAudit:   cfg.DefaultAuditLevel,
		queueDefaults:  cfg.QueueDefaults,
		observers:      cfg.Observers,
		tracer:         otel.Tracer("evertask-executor"),
		duration:       duration,
		outcomes:       outcomes,
	}
}

// Run executes one dequeued handle. It never returns an error: every
// failure mode is converted into a terminal status and logged, per the
// engine's "never crash on a single task" propagation policy.
func (e *Executor) Run(ctx context.Context, h queue.Handle) {
	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(attribute.String("task_id", h.TaskID)))
	defer span.End()
	started := time.Now()

	task, err := e.storage.Get(ctx, h.TaskID)
	if err != nil {
		e.logger.Error("executor: task vanished before execution", "task_id", h.TaskID, "error", err)
		return
	}
	if task.Status.Terminal() {
		// Cancelled (or otherwise finalized) while sitting in the bounded
		// queue's channel, which has no mid-flight removal primitive; the
		// dispatcher already persisted the terminal status, so just drop it.
		e.logger.Info("executor: skipping handle finalized before dequeue", "task_id", task.ID, "status", task.Status)
		return
	}
	auditLevel := task.AuditLevel
	if auditLevel == "" {
		auditLevel = e.defaultAudit
	}

	reg, ok := e.registry.Lookup(task.Type)
	if !ok {
		e.failNoHandler(ctx, task, auditLevel)
		return
	}

	execStart := time.Now().UTC()
	e.transition(ctx, task.ID, storage.StatusInProgress, "", auditLevel, &execStart)
	e.publish(ctx, task, task.Status, storage.StatusInProgress)
	task.Status = storage.StatusInProgress

	handler := reg.Factory()
	e.runHook(ctx, task.ID, "on_started", func() error {
		if h, ok := handler.(OnStartedHook); ok {
			return h.OnStarted(ctx, task.ID)
		}
		return nil
	})

	collector, flush := newLogCollector(task.ID, e.logger)
	runLogger := slog.New(collector)

	userCtx, userCancel := context.WithCancel(ctx)
	var cancelledByUser atomic.Bool
	e.active.Register(task.ID, func() { cancelledByUser.Store(true); userCancel() })
	defer e.active.Unregister(task.ID)

	queueDefault := e.queueDefaults[task.QueueName]

	timeout := reg.Timeout
	if timeout == 0 {
		timeout = queueDefault.Timeout
	}
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	execCtx := userCtx
	var timeoutCancel context.CancelFunc
	if timeout > 0 {
		execCtx, timeoutCancel = context.WithTimeout(userCtx, timeout)
		defer timeoutCancel()
	}

	policy := reg.RetryPolicy
	if policy == nil {
		policy = queueDefault.RetryPolicy
	}
	if policy == nil {
		policy = e.defaultRetry
	}

	runErr := policy.Execute(execCtx, runLogger, func(c context.Context) error {
		return handler.Handle(c, task.Payload)
	}, func(c context.Context, attempt int, cause error, delay time.Duration) error {
		runLogger.Warn("handler attempt failed, retrying", "attempt", attempt, "delay", delay, "error", cause)
		if rh, ok := handler.(OnRetryHook); ok {
			return rh.OnRetry(c, task.ID, attempt, cause, delay)
		}
		return nil
	})

	now := time.Now()
	e.duration.Record(ctx, float64(now.Sub(started).Milliseconds()), metric.WithAttributes(attribute.String("type", task.Type)))

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		// Timeout marks the task Failed regardless of whether the handler
		// itself ever returned, respected the deadline, or even errored.
		cause := "deadline exceeded"
		if runErr != nil {
			cause = runErr.Error()
		}
		e.onOutcome(ctx, task, handler, storage.StatusFailed, fmt.Sprintf("%s %s", timeoutMarker, cause), auditLevel)
	case runErr == nil:
		e.onSuccess(ctx, task, handler, auditLevel, now)
	case cancelledByUser.Load():
		e.onOutcome(ctx, task, handler, storage.StatusCancelled, "", auditLevel)
	case ctx.Err() != nil:
		e.onOutcome(ctx, task, handler, storage.StatusServiceStopped, "", auditLevel)
	default:
		e.onOutcome(ctx, task, handler, storage.StatusFailed, runErr.Error(), auditLevel)
	}

	entries := flush()
	if len(entries) > 0 {
		if err := e.storage.SaveExecutionLogs(context.WithoutCancel(ctx), task.ID, entries); err != nil {
			e.logger.Error("executor: save_execution_logs failed", "task_id", task.ID, "error", err)
		}
	}

	if d, ok := handler.(Disposer); ok {
		e.runHook(ctx, task.ID, "dispose_async", func() error { return d.DisposeAsync(context.WithoutCancel(ctx)) })
	}
}

func (e *Executor) failNoHandler(ctx context.Context, task *storage.PersistedTask, auditLevel storage.AuditLevel) {
	msg := fmt.Sprintf("no handler registered for task type %q", task.Type)
	e.logger.Error("executor: "+msg, "task_id", task.ID)
	e.transition(ctx, task.ID, storage.StatusFailed, msg, auditLevel, nil)
	e.publish(ctx, task, task.Status, storage.StatusFailed)
}

// onSuccess marks the run Completed and, for recurring tasks, computes and
// submits the next occurrence per the drift-free algorithm.
func (e *Executor) onSuccess(ctx context.Context, task *storage.PersistedTask, handler Handler, auditLevel storage.AuditLevel, completedAt time.Time) {
	e.onOutcome(ctx, task, handler, storage.StatusCompleted, "", auditLevel)

	if !task.IsRecurring() {
		return
	}

	base := completedAt
	if task.ScheduledExecutionUTC != nil {
		base = *task.ScheduledExecutionUTC
	}
	next, skipped, ok, err := schedule.NextValid(task.RecurringInfo, base, completedAt)
	if err != nil {
		e.logger.Error("executor: recurring schedule misconfigured", "task_id", task.ID, "error", err)
		e.transition(ctx, task.ID, storage.StatusFailed, err.Error(), auditLevel, nil)
		return
	}
	if !ok {
		return
	}

	if len(skipped) > 0 {
		e.logger.Warn("executor: skipped recurring occurrences while catching up", "task_id", task.ID, "count", len(skipped))
		if err := e.storage.RecordSkippedOccurrences(ctx, task.ID, skipped); err != nil {
			e.logger.Error("executor: record_skipped_occurrences failed", "task_id", task.ID, "error", err)
		}
	}

	nextRunCount := task.CurrentRunCount + 1
	if err := e.storage.UpdateCurrentRun(ctx, task.ID, nextRunCount, &next, completedAt, auditLevel); err != nil {
		e.logger.Error("executor: update_current_run failed", "task_id", task.ID, "error", err)
		return
	}

	if !schedule.WithinStopConditions(next, nextRunCount, task.MaxRuns, task.RunUntilUTC) {
		return
	}

	e.resubmit(context.WithoutCancel(ctx), queue.Handle{TaskID: task.ID, QueueName: task.QueueName}, next)
}

func (e *Executor) onOutcome(ctx context.Context, task *storage.PersistedTask, handler Handler, status storage.Status, exception string, auditLevel storage.AuditLevel) {
	from := task.Status
	e.transition(ctx, task.ID, status, exception, auditLevel, nil)
	e.publish(ctx, task, from, status)
	e.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("type", task.Type), attribute.String("status", string(status))))

	switch status {
	case storage.StatusCompleted:
		e.runHook(ctx, task.ID, "on_completed", func() error {
			if h, ok := handler.(OnCompletedHook); ok {
				return h.OnCompleted(ctx, task.ID)
			}
			return nil
		})
	case storage.StatusFailed:
		e.runHook(ctx, task.ID, "on_error", func() error {
			if h, ok := handler.(OnErrorHook); ok {
				return h.OnError(ctx, task.ID, errors.New(exception), exception)
			}
			return nil
		})
	}
}

// transition persists a status change with best-effort retry against
// transient storage errors; failures are logged, never fatal to the engine.
// lastExecutionUTC is non-nil only on the Queued->InProgress transition,
// where it stamps the instant this attempt started.
func (e *Executor) transition(ctx context.Context, id string, status storage.Status, exception string, auditLevel storage.AuditLevel, lastExecutionUTC *time.Time) {
	_, err := resilience.Retry(ctx, 3, 50*time.Millisecond, transitionRetryable, func() (struct{}, error) {
		return struct{}{}, e.storage.SetStatus(ctx, id, status, exception, auditLevel, lastExecutionUTC)
	})
	if err != nil {
		e.logger.Error("executor: set_status failed after retries", "task_id", id, "status", status, "error", err)
	}
}

// transitionRetryable abandons the retry loop immediately on
// storage.ErrNotFound: the task's row is already gone (a concurrent
// terminal transition or cache eviction beat this write to it), so backing
// off and repeating the exact same SetStatus call cannot succeed.
func transitionRetryable(err error) bool {
	return !errors.Is(err, storage.ErrNotFound)
}

func (e *Executor) publish(ctx context.Context, task *storage.PersistedTask, from, to storage.Status) {
	if len(e.observers) == 0 {
		return
	}
	ev := eventbus.StatusEvent{
		TaskID:       task.ID,
		TaskKey:      task.TaskKey,
		HandlerType:  task.Type,
		FromStatus:   string(from),
		ToStatus:     string(to),
		OccurredUnix: time.Now().Unix(),
	}
	for _, o := range e.observers {
		o.Publish(ctx, ev)
	}
}

// runHook invokes a lifecycle hook and swallows any error it returns,
// logging it instead. Hook panics are not recovered here deliberately: a
// panicking hook is a programming error in the handler, and worker.Pool's
// own recover() around the whole execution is the backstop.
func (e *Executor) runHook(ctx context.Context, taskID, name string, fn func() error) {
	if err := fn(); err != nil {
		e.logger.Error("executor: lifecycle hook failed", "task_id", taskID, "hook", name, "error", err)
	}
}

// logCollector is a slog.Handler that forwards every record to the engine's
// logger while also buffering it as a storage.ExecutionLogEntry, up to
// storage.MaxExecutionLogEntries, for the eventual save_execution_logs call.
type logCollector struct {
	base     slog.Handler
	mu       *sync.Mutex
	taskID   string
	seq      *int
	entries  *[]storage.ExecutionLogEntry
}

func newLogCollector(taskID string, logger *slog.Logger) (*logCollector, func() []storage.ExecutionLogEntry) {
	entries := make([]storage.ExecutionLogEntry, 0, 8)
	seq := 0
	c := &logCollector{
		base:    logger.Handler(),
		mu:      &sync.Mutex{},
		taskID:  taskID,
		seq:     &seq,
		entries: &entries,
	}
	return c, func() []storage.ExecutionLogEntry {
		c.mu.Lock()
		defer c.mu.Unlock()
		return *c.entries
	}
}

func (c *logCollector) Enabled(ctx context.Context, level slog.Level) bool {
	return c.base.Enabled(ctx, level)
}

func (c *logCollector) Handle(ctx context.Context, r slog.Record) error {
	c.mu.Lock()
	if len(*c.entries) < storage.MaxExecutionLogEntries {
		var exception string
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "error" {
				exception = a.Value.String()
			}
			return true
		})
		*c.seq++
		*c.entries = append(*c.entries, storage.ExecutionLogEntry{
			TaskID:    c.taskID,
			Sequence:  *c.seq,
			Timestamp: r.Time,
			Level:     r.Level.String(),
			Message:   r.Message,
			Exception: exception,
		})
	}
	c.mu.Unlock()
	return c.base.Handle(ctx, r)
}

func (c *logCollector) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logCollector{base: c.base.WithAttrs(attrs), mu: c.mu, taskID: c.taskID, seq: c.seq, entries: c.entries}
}

func (c *logCollector) WithGroup(name string) slog.Handler {
	return &logCollector{base: c.base.WithGroup(name), mu: c.mu, taskID: c.taskID, seq: c.seq, entries: c.entries}
}
