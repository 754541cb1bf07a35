package queue

import (
	"context"
	"testing"
	"time"
)

// S5 — fallback-to-default: queue "email" has capacity 1 and
// FallbackToDefault; enqueue task A (accepted), B (goes to default).
// Default queue receives B.
func TestManager_FallbackToDefault(t *testing.T) {
	m := NewManager()
	m.Register(NewBoundedQueue("default", 4, Wait))
	m.Register(NewBoundedQueue("email", 1, FallbackToDefault))

	ctx := context.Background()
	if err := m.Enqueue(ctx, Handle{TaskID: "A", QueueName: "email"}); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	if err := m.Enqueue(ctx, Handle{TaskID: "B", QueueName: "email"}); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}

	email, _ := m.Get("email")
	def, _ := m.Get("default")

	if email.Len() != 1 {
		t.Fatalf("expected email queue to hold A only, len=%d", email.Len())
	}
	select {
	case h := <-email.Receive():
		if h.TaskID != "A" {
			t.Fatalf("expected A in email queue, got %s", h.TaskID)
		}
	default:
		t.Fatalf("expected A in email queue")
	}

	select {
	case h := <-def.Receive():
		if h.TaskID != "B" {
			t.Fatalf("expected B in default queue, got %s", h.TaskID)
		}
	default:
		t.Fatalf("expected B to have fallen back to default queue")
	}
}

func TestManager_ThrowOnFull(t *testing.T) {
	m := NewManager()
	m.Register(NewBoundedQueue("strict", 1, ThrowOnFull))

	ctx := context.Background()
	if err := m.Enqueue(ctx, Handle{TaskID: "A", QueueName: "strict"}); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	if err := m.Enqueue(ctx, Handle{TaskID: "B", QueueName: "strict"}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestManager_WaitBlocksUntilSpaceOrCancel(t *testing.T) {
	m := NewManager()
	m.Register(NewBoundedQueue("waiting", 1, Wait))

	ctx := context.Background()
	if err := m.Enqueue(ctx, Handle{TaskID: "A", QueueName: "waiting"}); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Enqueue(cctx, Handle{TaskID: "B", QueueName: "waiting"})
	if err == nil {
		t.Fatalf("expected context deadline error while queue stays full")
	}
}

func TestManager_DefaultsToDefaultQueueWhenUnset(t *testing.T) {
	m := NewManager()
	m.Register(NewBoundedQueue("default", 1, Wait))

	if err := m.Enqueue(context.Background(), Handle{TaskID: "A"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	def, _ := m.Get("default")
	if def.Len() != 1 {
		t.Fatalf("expected handle routed to default queue")
	}
}
