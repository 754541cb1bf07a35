// Package bolt is a durable storage.TaskStorage backend on top of bbolt,
// adapted from the teacher's workflow store: bucket-per-concern layout, a
// hot in-memory read cache, and otel read/write latency histograms. Writes
// are wrapped in an internal/resilience.CircuitBreaker so a misbehaving
// disk doesn't let every in-flight execution pile retries onto it at once.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/evertask/evertask/internal/resilience"
	"github.com/evertask/evertask/storage"
	"github.com/oklog/ulid/v2"
)

var (
	bucketTasks       = []byte("tasks")
	bucketStatusAudit = []byte("status_audit")
	bucketRunAudit    = []byte("run_audit")
	bucketExecLogs    = []byte("execution_logs")
	bucketTaskKeyIdx  = []byte("task_key_index")
)

// Store is a bbolt-backed storage.TaskStorage with a hot read cache.
type Store struct {
	db           *bolt.DB
	mu           sync.RWMutex
	cache        map[string]*storage.PersistedTask
	maxCacheSize int
	breaker      *resilience.CircuitBreaker

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates (or opens) a bbolt database file at path and ensures every
// required bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketStatusAudit, bucketRunAudit, bucketExecLogs, bucketTaskKeyIdx} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: create buckets: %w", err)
	}

	meter := otel.GetMeterProvider().Meter("evertask")
	readLatency, _ := meter.Float64Histogram("evertask_storage_read_ms")
	writeLatency, _ := meter.Float64Histogram("evertask_storage_write_ms")
	cacheHits, _ := meter.Int64Counter("evertask_storage_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("evertask_storage_cache_misses_total")

	s := &Store{
		db:           db,
		cache:        map[string]*storage.PersistedTask{},
		maxCacheSize: 1000,
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 5*time.Second, 3, func(err error) bool {
			// storage.ErrNotFound means a concurrent terminal transition (or
			// cache/row eviction) beat this op to the task, not that bbolt
			// itself is failing; don't let it count toward tripping the
			// breaker for every other, unrelated in-flight task.
			return err != nil && !errors.Is(err, storage.ErrNotFound)
		}),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) withBreaker(op func() error) error {
	if !s.breaker.Allow() {
		return fmt.Errorf("bolt: circuit open, storage writes temporarily suspended")
	}
	err := op()
	s.breaker.RecordError(err)
	return err
}

func (s *Store) Persist(ctx context.Context, task *storage.PersistedTask) (string, error) {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "persist")))
	}()

	if task.ID == "" {
		task.ID = ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
	}
	if task.CreatedAtUTC.IsZero() {
		task.CreatedAtUTC = time.Now().UTC()
	}

	rec, err := toRecord(task)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("bolt: marshal task: %w", err)
	}

	err = s.withBreaker(func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			if err := tx.Bucket(bucketTasks).Put([]byte(task.ID), data); err != nil {
				return err
			}
			if task.TaskKey != "" && !task.Status.Terminal() {
				return tx.Bucket(bucketTaskKeyIdx).Put([]byte(task.TaskKey), []byte(task.ID))
			}
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("bolt: persist: %w", err)
	}

	s.mu.Lock()
	s.cacheTask(task)
	s.mu.Unlock()
	return task.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.PersistedTask, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "get")))
	}()

	s.mu.RLock()
	if t, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1)
		cp := *t
		return &cp, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1)

	t, err := s.readTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, storage.ErrNotFound
	}
	s.mu.Lock()
	s.cacheTask(t)
	s.mu.Unlock()
	return t, nil
}

func (s *Store) readTask(id string) (*storage.PersistedTask, error) {
	var rec *record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		rec = &record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: get: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return rec.toTask()
}

func (s *Store) cacheTask(t *storage.PersistedTask) {
	if len(s.cache) >= s.maxCacheSize {
		s.evictOne()
	}
	cp := *t
	s.cache[t.ID] = &cp
}

func (s *Store) evictOne() {
	for id := range s.cache {
		delete(s.cache, id)
		return
	}
}

func (s *Store) SetStatus(ctx context.Context, id string, newStatus storage.Status, exception string, auditLevel storage.AuditLevel, lastExecutionUTC *time.Time) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "set_status")))
	}()

	err := s.withBreaker(func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(bucketTasks)
			data := bucket.Get([]byte(id))
			if data == nil {
				return storage.ErrNotFound
			}
			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			rec.Status = string(newStatus)
			if exception != "" {
				rec.Exception = exception
			}
			if lastExecutionUTC != nil {
				rec.LastExecutionUTC = lastExecutionUTC
			}
			updated, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(id), updated); err != nil {
				return err
			}
			if newStatus.Terminal() && rec.TaskKey != "" {
				if err := tx.Bucket(bucketTaskKeyIdx).Delete([]byte(rec.TaskKey)); err != nil {
					return err
				}
			}
			if shouldAudit(auditLevel, exception != "") {
				entry := storage.StatusAuditEntry{TaskID: id, NewStatus: newStatus, ChangedAtUTC: time.Now().UTC(), Exception: exception}
				return appendAudit(tx.Bucket(bucketStatusAudit), id, entry)
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("bolt: set_status: %w", err)
	}

	s.mu.Lock()
	delete(s.cache, id) // invalidate; next Get re-reads the authoritative row
	s.mu.Unlock()
	return nil
}

func (s *Store) UpdateCurrentRun(ctx context.Context, id string, newRunCount int, nextScheduledUTC *time.Time, lastExecutionUTC time.Time, auditLevel storage.AuditLevel) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "update_current_run")))
	}()

	var statusAfter storage.Status
	err := s.withBreaker(func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(bucketTasks)
			data := bucket.Get([]byte(id))
			if data == nil {
				return storage.ErrNotFound
			}
			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			rec.CurrentRunCount = newRunCount
			rec.ScheduledExecutionUTC = nextScheduledUTC
			rec.LastExecutionUTC = &lastExecutionUTC
			statusAfter = storage.Status(rec.Status)
			updated, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(id), updated); err != nil {
				return err
			}
			if shouldAudit(auditLevel, false) {
				entry := storage.RunAuditEntry{
					TaskID: id, ExecutionStartedUTC: lastExecutionUTC,
					ExecutionCompletedUTC: time.Now().UTC(), Status: statusAfter,
				}
				return appendAudit(tx.Bucket(bucketRunAudit), id, entry)
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("bolt: update_current_run: %w", err)
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) UpdateSchedule(ctx context.Context, id string, payload []byte, scheduledExecutionUTC time.Time, recurring storage.ScheduleDescriptor, maxRuns *int, runUntilUTC *time.Time) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "update_schedule")))
	}()

	err := s.withBreaker(func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(bucketTasks)
			data := bucket.Get([]byte(id))
			if data == nil {
				return storage.ErrNotFound
			}
			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			rec.Payload = payload
			rec.ScheduledExecutionUTC = &scheduledExecutionUTC
			rec.MaxRuns = maxRuns
			rec.RunUntilUTC = runUntilUTC
			rec.RecurringKind, rec.RecurringParams = "", nil
			if recurring != nil {
				kind, params, err := encodeDescriptor(recurring)
				if err != nil {
					return err
				}
				rec.RecurringKind, rec.RecurringParams = kind, params
			}
			updated, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return bucket.Put([]byte(id), updated)
		})
	})
	if err != nil {
		return fmt.Errorf("bolt: update_schedule: %w", err)
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) GetByTaskKey(ctx context.Context, key string) (*storage.PersistedTask, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTaskKeyIdx).Get([]byte(key))
		if v == nil {
			return nil
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: get_by_task_key: %w", err)
	}
	if id == "" {
		return nil, storage.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *Store) PendingOnStartup(ctx context.Context) ([]*storage.PersistedTask, error) {
	now := time.Now().UTC()
	var out []*storage.PersistedTask

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt rows rather than aborting recovery
			}
			task, err := rec.toTask()
			if err != nil {
				return nil
			}
			switch task.Status {
			case storage.StatusWaitingQueue, storage.StatusQueued, storage.StatusInProgress:
				out = append(out, task)
			default:
				if task.IsRecurring() && task.ScheduledExecutionUTC != nil && task.ScheduledExecutionUTC.After(now) {
					out = append(out, task)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: pending_on_startup: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RecordSkippedOccurrences(ctx context.Context, id string, skipped []time.Time) error {
	if len(skipped) == 0 {
		return nil
	}
	msg := fmt.Sprintf("Skipped %d missed occurrence(s): %v", len(skipped), skipped)
	now := time.Now().UTC()
	entry := storage.RunAuditEntry{TaskID: id, ExecutionStartedUTC: now, ExecutionCompletedUTC: now, Status: storage.StatusCompleted, Exception: msg}

	err := s.withBreaker(func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			return appendAudit(tx.Bucket(bucketRunAudit), id, entry)
		})
	})
	if err != nil {
		return fmt.Errorf("bolt: record_skipped_occurrences: %w", err)
	}
	return nil
}

func (s *Store) SaveExecutionLogs(ctx context.Context, id string, entries []storage.ExecutionLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withBreaker(func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(bucketExecLogs)
			existing, err := readAuditSlice[storage.ExecutionLogEntry](bucket, id)
			if err != nil {
				return err
			}
			existing = append(existing, entries...)
			if len(existing) > storage.MaxExecutionLogEntries {
				existing = existing[len(existing)-storage.MaxExecutionLogEntries:]
			}
			data, err := json.Marshal(existing)
			if err != nil {
				return err
			}
			return bucket.Put([]byte(id), data)
		})
	})
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	err := s.withBreaker(func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(bucketTasks)
			data := bucket.Get([]byte(id))
			if data == nil {
				return storage.ErrNotFound
			}
			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if storage.Status(rec.Status).Terminal() {
				return nil
			}
			rec.Status = string(storage.StatusCancelled)
			updated, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(id), updated); err != nil {
				return err
			}
			if rec.TaskKey != "" {
				if err := tx.Bucket(bucketTaskKeyIdx).Delete([]byte(rec.TaskKey)); err != nil {
					return err
				}
			}
			entry := storage.StatusAuditEntry{TaskID: id, NewStatus: storage.StatusCancelled, ChangedAtUTC: time.Now().UTC()}
			return appendAudit(tx.Bucket(bucketStatusAudit), id, entry)
		})
	})
	if err != nil {
		return fmt.Errorf("bolt: cancel: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

func appendAudit[T any](bucket *bolt.Bucket, id string, entry T) error {
	existing, err := readAuditSlice[T](bucket, id)
	if err != nil {
		return err
	}
	existing = append(existing, entry)
	data, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(id), data)
}

func readAuditSlice[T any](bucket *bolt.Bucket, id string) ([]T, error) {
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func shouldAudit(level storage.AuditLevel, isError bool) bool {
	switch level {
	case storage.AuditNone:
		return false
	case storage.AuditErrorsOnly:
		return isError
	default:
		return true
	}
}
