package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerAdaptive(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2, nil)
	// 4 failures -> open
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed")
		}
		cb.RecordError(errors.New("boom"))
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny")
	}
	time.Sleep(600 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("half-open probe should allow")
	}
	cb.RecordError(nil)
	if !cb.Allow() {
		t.Fatalf("second probe should allow")
	}
	cb.RecordError(nil)
	if !cb.Allow() {
		t.Fatalf("breaker should be closed after successful probes")
	}
}

// A classify function lets a caller exempt expected, non-backend-failure
// errors (storage.ErrNotFound, in the storage adapter's case) from tripping
// the breaker — distinct from treating every non-nil error as a failure.
func TestCircuitBreakerAdaptive_ClassifyExemptsIgnoredErrors(t *testing.T) {
	errNotFound := errors.New("not found")
	cb := NewCircuitBreakerAdaptive(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2, func(err error) bool {
		return err != nil && !errors.Is(err, errNotFound)
	})

	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("should still allow: exempted errors must not open the breaker")
		}
		cb.RecordError(errNotFound)
	}

	other := errors.New("disk full")
	for i := 0; i < 4; i++ {
		cb.RecordError(other)
	}
	if cb.Allow() {
		t.Fatalf("a genuine backend failure must still open the breaker")
	}
}
