package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evertask/evertask/queue"
)

func TestTimeScheduler_ReleasesAtDueTime(t *testing.T) {
	pq := queue.NewPriorityQueue()
	var mu sync.Mutex
	var released []string

	s := New("test", pq, func(ctx context.Context, h queue.Handle) {
		mu.Lock()
		released = append(released, h.TaskID)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer func() {
		cancel()
		s.Stop()
	}()

	s.Enqueue(queue.Handle{TaskID: "a"}, time.Now().Add(20*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(released)
		mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected handle to be released within deadline")
}

func TestTimeScheduler_CancelRemovesNotYetDueHandle(t *testing.T) {
	pq := queue.NewPriorityQueue()
	var mu sync.Mutex
	var released []string

	s := New("test", pq, func(ctx context.Context, h queue.Handle) {
		mu.Lock()
		released = append(released, h.TaskID)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer func() {
		cancel()
		s.Stop()
	}()

	s.Enqueue(queue.Handle{TaskID: "a"}, time.Now().Add(50*time.Millisecond))
	if !s.Cancel("a") {
		t.Fatalf("expected Cancel to find pending handle")
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(released) != 0 {
		t.Fatalf("expected cancelled handle never to be released, got %v", released)
	}
}

func TestSharded_RoutesConsistently(t *testing.T) {
	sh := NewSharded(4, func(ctx context.Context, h queue.Handle) {}, nil)
	first := sh.ShardFor("recurring-task-1")
	second := sh.ShardFor("recurring-task-1")
	if first != second {
		t.Fatalf("expected deterministic routing, got %d then %d", first, second)
	}
}
