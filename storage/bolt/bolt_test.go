package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/evertask/evertask/schedule"
	"github.com/evertask/evertask/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "evertask.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PersistGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Persist(ctx, &storage.PersistedTask{Type: "report", Status: storage.StatusWaitingQueue, Payload: []byte(`{"n":1}`)})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != "report" || string(got.Payload) != `{"n":1}` {
		t.Fatalf("unexpected round-trip: %+v", got)
	}
}

func TestStore_RecurringDescriptorRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cron, err := schedule.NewCron("*/5 * * * *", nil)
	if err != nil {
		t.Fatalf("parse cron: %v", err)
	}

	id, err := s.Persist(ctx, &storage.PersistedTask{Status: storage.StatusQueued, RecurringInfo: cron})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	// Force a cache miss so the round trip goes through the codec.
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	restored, ok := got.RecurringInfo.(*schedule.CronDescriptor)
	if !ok {
		t.Fatalf("expected *schedule.CronDescriptor, got %T", got.RecurringInfo)
	}
	if restored.Expression != "*/5 * * * *" {
		t.Fatalf("expression = %q", restored.Expression)
	}
}

func TestStore_SetStatusPersistsAndInvalidatesCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, _ := s.Persist(ctx, &storage.PersistedTask{Status: storage.StatusQueued, AuditLevel: storage.AuditFull})

	started := time.Now().UTC()
	if err := s.SetStatus(ctx, id, storage.StatusInProgress, "", storage.AuditFull, &started); err != nil {
		t.Fatalf("set_status: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.StatusInProgress {
		t.Fatalf("status = %v", got.Status)
	}
	if got.LastExecutionUTC == nil || !got.LastExecutionUTC.Equal(started) {
		t.Fatalf("last_execution_utc = %v, want %v", got.LastExecutionUTC, started)
	}
}

func TestStore_GetByTaskKeyAndCancel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, _ := s.Persist(ctx, &storage.PersistedTask{TaskKey: "daily", Status: storage.StatusQueued})

	got, err := s.GetByTaskKey(ctx, "daily")
	if err != nil || got.ID != id {
		t.Fatalf("get_by_task_key: got %v err %v", got, err)
	}

	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.GetByTaskKey(ctx, "daily"); err != storage.ErrNotFound {
		t.Fatalf("expected key index cleared after cancel, got %v", err)
	}
}

func TestStore_PendingOnStartup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	idA, _ := s.Persist(ctx, &storage.PersistedTask{Status: storage.StatusInProgress})
	_, _ = s.Persist(ctx, &storage.PersistedTask{Status: storage.StatusCompleted})

	pending, err := s.PendingOnStartup(ctx)
	if err != nil {
		t.Fatalf("pending_on_startup: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != idA {
		t.Fatalf("expected only the in-progress task, got %v", pending)
	}
}
