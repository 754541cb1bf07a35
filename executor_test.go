package evertask

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evertask/evertask/queue"
	"github.com/evertask/evertask/retry"
	"github.com/evertask/evertask/schedule"
	"github.com/evertask/evertask/storage"
	"github.com/evertask/evertask/storage/memory"
	"go.opentelemetry.io/otel"
)

func newTestExecutor(t *testing.T, store storage.TaskStorage, reg *Registry, resubmit Resubmit, cfg ExecutorConfig) *Executor {
	t.Helper()
	active := NewActiveRegistry(otel.Meter("test"), otel.Tracer("test"))
	return NewExecutor(store, reg, active, resubmit, nil, cfg)
}

type fnHandler struct {
	fn func(ctx context.Context, payload []byte) error
}

func (h fnHandler) Handle(ctx context.Context, payload []byte) error { return h.fn(ctx, payload) }

func persist(t *testing.T, store storage.TaskStorage, task *storage.PersistedTask) string {
	t.Helper()
	id, err := store.Persist(context.Background(), task)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	return id
}

// S3: a handler that ignores its context and sleeps past a 100ms timeout
// must still end Failed, even though Handle itself returns nil.
func TestExecutor_TimeoutTakesPriorityOverNilReturn(t *testing.T) {
	store := memory.New()
	reg := NewRegistry()
	reg.Register(HandlerRegistration{
		TaskType: "slow",
		Factory: func() Handler {
			return fnHandler{fn: func(ctx context.Context, payload []byte) error {
				time.Sleep(300 * time.Millisecond)
				return nil
			}}
		},
		Timeout:     100 * time.Millisecond,
		RetryPolicy: retry.Linear(3, 10*time.Millisecond),
	})

	id := persist(t, store, &storage.PersistedTask{
		Type: "slow", Status: storage.StatusQueued, QueueName: storage.DefaultQueueName, AuditLevel: storage.AuditFull,
	})

	exec := newTestExecutor(t, store, reg, nil, ExecutorConfig{})
	exec.Run(context.Background(), queue.Handle{TaskID: id, QueueName: storage.DefaultQueueName})

	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want Failed", got.Status)
	}
}

func TestExecutor_SuccessMarksCompleted(t *testing.T) {
	store := memory.New()
	reg := NewRegistry()
	reg.Register(HandlerRegistration{
		TaskType: "ok",
		Factory:  func() Handler { return fnHandler{fn: func(ctx context.Context, payload []byte) error { return nil }} },
	})
	id := persist(t, store, &storage.PersistedTask{
		Type: "ok", Status: storage.StatusQueued, QueueName: storage.DefaultQueueName, AuditLevel: storage.AuditFull,
	})

	exec := newTestExecutor(t, store, reg, nil, ExecutorConfig{})
	exec.Run(context.Background(), queue.Handle{TaskID: id, QueueName: storage.DefaultQueueName})

	got, _ := store.Get(context.Background(), id)
	if got.Status != storage.StatusCompleted {
		t.Fatalf("status = %s, want Completed", got.Status)
	}
}

func TestExecutor_FailedHandlerAfterRetriesExhausted(t *testing.T) {
	store := memory.New()
	reg := NewRegistry()
	var attempts int32
	reg.Register(HandlerRegistration{
		TaskType: "bad",
		Factory: func() Handler {
			return fnHandler{fn: func(ctx context.Context, payload []byte) error {
				atomic.AddInt32(&attempts, 1)
				return errors.New("boom")
			}}
		},
		RetryPolicy: retry.Linear(2, time.Millisecond),
	})
	id := persist(t, store, &storage.PersistedTask{
		Type: "bad", Status: storage.StatusQueued, QueueName: storage.DefaultQueueName, AuditLevel: storage.AuditFull,
	})

	exec := newTestExecutor(t, store, reg, nil, ExecutorConfig{})
	exec.Run(context.Background(), queue.Handle{TaskID: id, QueueName: storage.DefaultQueueName})

	got, _ := store.Get(context.Background(), id)
	if got.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want Failed", got.Status)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("attempts = %d, want 3 (1 initial + 2 retries)", attempts)
	}
}

// A task cancelled (or otherwise finalized) before being dequeued must not
// execute at all.
func TestExecutor_SkipsTerminalTaskBeforeDequeue(t *testing.T) {
	store := memory.New()
	reg := NewRegistry()
	var ran int32
	reg.Register(HandlerRegistration{
		TaskType: "ghost",
		Factory: func() Handler {
			return fnHandler{fn: func(ctx context.Context, payload []byte) error {
				atomic.AddInt32(&ran, 1)
				return nil
			}}
		},
	})
	id := persist(t, store, &storage.PersistedTask{
		Type: "ghost", Status: storage.StatusCancelled, QueueName: storage.DefaultQueueName, AuditLevel: storage.AuditFull,
	})

	exec := newTestExecutor(t, store, reg, nil, ExecutorConfig{})
	exec.Run(context.Background(), queue.Handle{TaskID: id, QueueName: storage.DefaultQueueName})

	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("handler ran for an already-terminal task")
	}
}

// Property 1/2: a completed recurring task's next occurrence is computed
// off its scheduled (not actual) time, with no drift, and resubmitted.
func TestExecutor_RecurringReschedulesWithoutDrift(t *testing.T) {
	store := memory.New()
	reg := NewRegistry()
	reg.Register(HandlerRegistration{
		TaskType: "tick",
		Factory:  func() Handler { return fnHandler{fn: func(ctx context.Context, payload []byte) error { return nil } } },
	})

	descriptor := schedule.EveryMinutes(10, 0)
	scheduledAt := time.Now().UTC().Add(time.Hour)
	want, ok := descriptor.Next(scheduledAt)
	if !ok {
		t.Fatal("descriptor.Next returned no occurrence")
	}
	id := persist(t, store, &storage.PersistedTask{
		Type: "tick", Status: storage.StatusQueued, QueueName: storage.RecurringQueueName, AuditLevel: storage.AuditFull,
		ScheduledExecutionUTC: &scheduledAt,
		RecurringInfo:         descriptor,
	})

	var resubmitted []time.Time
	resubmit := func(ctx context.Context, h queue.Handle, due time.Time) { resubmitted = append(resubmitted, due) }

	exec := newTestExecutor(t, store, reg, resubmit, ExecutorConfig{})
	exec.Run(context.Background(), queue.Handle{TaskID: id, QueueName: storage.RecurringQueueName})

	if len(resubmitted) != 1 {
		t.Fatalf("resubmit called %d times, want 1", len(resubmitted))
	}
	// The next occurrence is computed off the scheduled time of the run
	// that just finished, not off time.Now() at completion, so it matches
	// the descriptor's own Next(scheduledAt) regardless of how long the
	// handler actually took to run.
	if !resubmitted[0].Equal(want) {
		t.Fatalf("next occurrence = %v, want %v (drift-free off the scheduled time)", resubmitted[0], want)
	}

	got, _ := store.Get(context.Background(), id)
	if got.CurrentRunCount != 1 {
		t.Fatalf("run count = %d, want 1", got.CurrentRunCount)
	}
}

// last_execution_utc must be stamped at the Queued->InProgress transition,
// before the handler even runs, not only on a recurring task's completion.
func TestExecutor_StampsLastExecutionUTCAtStart(t *testing.T) {
	store := memory.New()
	reg := NewRegistry()
	reg.Register(HandlerRegistration{
		TaskType: "oneoff",
		Factory:  func() Handler { return fnHandler{fn: func(ctx context.Context, payload []byte) error { return nil }} },
	})
	id := persist(t, store, &storage.PersistedTask{
		Type: "oneoff", Status: storage.StatusQueued, QueueName: storage.DefaultQueueName, AuditLevel: storage.AuditFull,
	})

	before := time.Now().UTC()
	exec := newTestExecutor(t, store, reg, nil, ExecutorConfig{})
	exec.Run(context.Background(), queue.Handle{TaskID: id, QueueName: storage.DefaultQueueName})
	after := time.Now().UTC()

	got, _ := store.Get(context.Background(), id)
	if got.LastExecutionUTC == nil {
		t.Fatal("last_execution_utc was never persisted")
	}
	if got.LastExecutionUTC.Before(before) || got.LastExecutionUTC.After(after) {
		t.Fatalf("last_execution_utc = %v, want between %v and %v", got.LastExecutionUTC, before, after)
	}
}

func TestExecutor_NoHandlerRegisteredFailsTask(t *testing.T) {
	store := memory.New()
	reg := NewRegistry()
	id := persist(t, store, &storage.PersistedTask{
		Type: "unknown", Status: storage.StatusQueued, QueueName: storage.DefaultQueueName, AuditLevel: storage.AuditFull,
	})

	exec := newTestExecutor(t, store, reg, nil, ExecutorConfig{})
	exec.Run(context.Background(), queue.Handle{TaskID: id, QueueName: storage.DefaultQueueName})

	got, _ := store.Get(context.Background(), id)
	if got.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want Failed", got.Status)
	}
}

// Queue-level timeout/retry overrides apply only when the handler
// registration doesn't set its own.
func TestExecutor_QueueOverrideAppliesWhenRegistrationOmitsIt(t *testing.T) {
	store := memory.New()
	reg := NewRegistry()
	reg.Register(HandlerRegistration{
		TaskType: "queued-default",
		Factory: func() Handler {
			return fnHandler{fn: func(ctx context.Context, payload []byte) error {
				<-ctx.Done()
				return fmt.Errorf("should have timed out: %w", ctx.Err())
			}}
		},
	})
	id := persist(t, store, &storage.PersistedTask{
		Type: "queued-default", Status: storage.StatusQueued, QueueName: "reports", AuditLevel: storage.AuditFull,
	})

	exec := newTestExecutor(t, store, reg, nil, ExecutorConfig{
		QueueDefaults: map[string]QueueOverride{"reports": {Timeout: 50 * time.Millisecond}},
	})
	exec.Run(context.Background(), queue.Handle{TaskID: id, QueueName: "reports"})

	got, _ := store.Get(context.Background(), id)
	if got.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want Failed (queue-level timeout should have fired)", got.Status)
	}
}
