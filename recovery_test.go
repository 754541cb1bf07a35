package evertask

import (
	"context"
	"testing"
	"time"

	"github.com/evertask/evertask/queue"
	"github.com/evertask/evertask/scheduler"
	"github.com/evertask/evertask/storage"
	"github.com/evertask/evertask/storage/memory"
)

func newTestRouter(t *testing.T, store storage.TaskStorage) (*Router, *scheduler.Sharded) {
	t.Helper()
	queues := queue.NewManager()
	queues.Register(queue.NewBoundedQueue(storage.DefaultQueueName, 16, queue.Wait))
	queues.Register(queue.NewBoundedQueue(storage.RecurringQueueName, 16, queue.Wait))

	router := NewRouter(queues, nil, store, nil)
	sched := scheduler.NewSharded(1, router.ReleaseFunc, nil)
	router.scheduler = sched
	return router, sched
}

// Property 8 / S7: a task left InProgress by an unclean shutdown is marked
// ServiceStopped and re-queued exactly once on the next startup.
func TestRecovery_InProgressTaskMarkedStoppedAndRequeued(t *testing.T) {
	store := memory.New()
	id, err := store.Persist(context.Background(), &storage.PersistedTask{
		Type: "job", Status: storage.StatusInProgress, QueueName: storage.DefaultQueueName, AuditLevel: storage.AuditFull,
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	router, _ := newTestRouter(t, store)
	rc := NewRecovery(store, router, nil)
	if err := rc.Run(context.Background()); err != nil {
		t.Fatalf("recovery run: %v", err)
	}

	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.StatusQueued {
		t.Fatalf("status = %s, want Queued (re-released to its worker queue after being marked ServiceStopped)", got.Status)
	}

	m := store.(*memory.Store)
	entries := m.StatusAuditEntries(id)
	var sawStopped bool
	for _, e := range entries {
		if e.NewStatus == storage.StatusServiceStopped {
			sawStopped = true
		}
	}
	if !sawStopped {
		t.Fatal("expected a ServiceStopped transition to be recorded before re-queuing")
	}
}

func TestRecovery_WaitingQueueTaskIsReRouted(t *testing.T) {
	store := memory.New()
	due := time.Now().Add(-time.Minute) // already due
	id, err := store.Persist(context.Background(), &storage.PersistedTask{
		Type: "job", Status: storage.StatusWaitingQueue, QueueName: storage.DefaultQueueName,
		ScheduledExecutionUTC: &due, AuditLevel: storage.AuditFull,
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	router, _ := newTestRouter(t, store)
	rc := NewRecovery(store, router, nil)
	if err := rc.Run(context.Background()); err != nil {
		t.Fatalf("recovery run: %v", err)
	}

	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.StatusQueued {
		t.Fatalf("status = %s, want Queued", got.Status)
	}
}

func TestRecovery_CompletedTaskIsLeftAlone(t *testing.T) {
	store := memory.New()
	id, err := store.Persist(context.Background(), &storage.PersistedTask{
		Type: "job", Status: storage.StatusCompleted, QueueName: storage.DefaultQueueName, AuditLevel: storage.AuditFull,
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	router, _ := newTestRouter(t, store)
	rc := NewRecovery(store, router, nil)
	if err := rc.Run(context.Background()); err != nil {
		t.Fatalf("recovery run: %v", err)
	}

	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.StatusCompleted {
		t.Fatalf("status = %s, want unchanged Completed", got.Status)
	}
}
