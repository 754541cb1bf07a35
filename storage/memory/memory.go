// Package memory is an in-memory reference implementation of
// storage.TaskStorage, useful for tests and non-durable deployments; it
// trades durability for zero setup.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evertask/evertask/storage"
	"github.com/oklog/ulid/v2"
)

// Store is a mutex-guarded map of tasks plus parallel append-only audit
// logs, satisfying storage.TaskStorage.
type Store struct {
	mu          sync.RWMutex
	tasks       map[string]*storage.PersistedTask
	byTaskKey   map[string]string // task_key -> id, non-terminal only
	statusAudit map[string][]storage.StatusAuditEntry
	runAudit    map[string][]storage.RunAuditEntry
	execLogs    map[string][]storage.ExecutionLogEntry

	entropy *ulid.MonotonicEntropy
}

func New() *Store {
	return &Store{
		tasks:       map[string]*storage.PersistedTask{},
		byTaskKey:   map[string]string{},
		statusAudit: map[string][]storage.StatusAuditEntry{},
		runAudit:    map[string][]storage.RunAuditEntry{},
		execLogs:    map[string][]storage.ExecutionLogEntry{},
		entropy:     ulid.Monotonic(entropySource{}, 0),
	}
}

type entropySource struct{}

func (entropySource) Read(p []byte) (int, error) {
	// deterministic-enough jitter source for ULID monotonic entropy; the
	// timestamp component is what actually keeps ids sortable.
	for i := range p {
		p[i] = byte(time.Now().UnixNano() >> uint(i%8*8))
	}
	return len(p), nil
}

func (s *Store) Persist(ctx context.Context, task *storage.PersistedTask) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
	}
	if task.CreatedAtUTC.IsZero() {
		task.CreatedAtUTC = time.Now().UTC()
	}
	cp := *task
	s.tasks[cp.ID] = &cp
	if cp.TaskKey != "" && !cp.Status.Terminal() {
		s.byTaskKey[cp.TaskKey] = cp.ID
	}
	return cp.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.PersistedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, newStatus storage.Status, exception string, auditLevel storage.AuditLevel, lastExecutionUTC *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.Status = newStatus
	if exception != "" {
		t.Exception = exception
	}
	if lastExecutionUTC != nil {
		t.LastExecutionUTC = lastExecutionUTC
	}
	if newStatus.Terminal() {
		delete(s.byTaskKey, t.TaskKey)
	}

	if shouldAudit(auditLevel, exception != "") {
		s.statusAudit[id] = append(s.statusAudit[id], storage.StatusAuditEntry{
			TaskID: id, NewStatus: newStatus, ChangedAtUTC: time.Now().UTC(), Exception: exception,
		})
	}
	return nil
}

func (s *Store) UpdateCurrentRun(ctx context.Context, id string, newRunCount int, nextScheduledUTC *time.Time, lastExecutionUTC time.Time, auditLevel storage.AuditLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.CurrentRunCount = newRunCount
	t.ScheduledExecutionUTC = nextScheduledUTC
	t.LastExecutionUTC = &lastExecutionUTC

	if shouldAudit(auditLevel, false) {
		s.runAudit[id] = append(s.runAudit[id], storage.RunAuditEntry{
			TaskID: id, ExecutionStartedUTC: lastExecutionUTC, ExecutionCompletedUTC: time.Now().UTC(), Status: t.Status,
		})
	}
	return nil
}

func (s *Store) UpdateSchedule(ctx context.Context, id string, payload []byte, scheduledExecutionUTC time.Time, recurring storage.ScheduleDescriptor, maxRuns *int, runUntilUTC *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.Payload = payload
	t.ScheduledExecutionUTC = &scheduledExecutionUTC
	t.RecurringInfo = recurring
	t.MaxRuns = maxRuns
	t.RunUntilUTC = runUntilUTC
	return nil
}

func (s *Store) GetByTaskKey(ctx context.Context, key string) (*storage.PersistedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTaskKey[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s.tasks[id]
	return &cp, nil
}

func (s *Store) PendingOnStartup(ctx context.Context) ([]*storage.PersistedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()

	var out []*storage.PersistedTask
	for _, t := range s.tasks {
		switch t.Status {
		case storage.StatusWaitingQueue, storage.StatusQueued, storage.StatusInProgress:
			cp := *t
			out = append(out, &cp)
		default:
			if t.IsRecurring() && t.ScheduledExecutionUTC != nil && t.ScheduledExecutionUTC.After(now) {
				cp := *t
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RecordSkippedOccurrences(ctx context.Context, id string, skipped []time.Time) error {
	if len(skipped) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return storage.ErrNotFound
	}
	msg := fmt.Sprintf("Skipped %d missed occurrence(s): %v", len(skipped), skipped)
	now := time.Now().UTC()
	s.runAudit[id] = append(s.runAudit[id], storage.RunAuditEntry{
		TaskID: id, ExecutionStartedUTC: now, ExecutionCompletedUTC: now,
		Status: storage.StatusCompleted, Exception: msg,
	})
	return nil
}

func (s *Store) SaveExecutionLogs(ctx context.Context, id string, entries []storage.ExecutionLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return storage.ErrNotFound
	}
	s.execLogs[id] = append(s.execLogs[id], entries...)
	return nil
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Status = storage.StatusCancelled
	delete(s.byTaskKey, t.TaskKey)
	s.statusAudit[id] = append(s.statusAudit[id], storage.StatusAuditEntry{
		TaskID: id, NewStatus: storage.StatusCancelled, ChangedAtUTC: time.Now().UTC(),
	})
	return nil
}

// StatusAuditEntries exposes the accumulated status audit trail for tests
// and diagnostics; not part of the TaskStorage contract.
func (s *Store) StatusAuditEntries(id string) []storage.StatusAuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.StatusAuditEntry(nil), s.statusAudit[id]...)
}

// RunAuditEntries exposes the accumulated run audit trail for tests and
// diagnostics; not part of the TaskStorage contract.
func (s *Store) RunAuditEntries(id string) []storage.RunAuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.RunAuditEntry(nil), s.runAudit[id]...)
}

func shouldAudit(level storage.AuditLevel, isError bool) bool {
	switch level {
	case storage.AuditNone:
		return false
	case storage.AuditErrorsOnly:
		return isError
	default: // Full, Minimal, and unset default to auditing
		return true
	}
}
