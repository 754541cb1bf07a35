// Package scheduler implements EverTask's time-ordered release loop: a
// single goroutine that waits on either a wake signal (a new, earlier-due
// handle arrived) or a timer set to the next due time, then drains every
// ready handle into the worker queue.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/evertask/evertask/queue"
	"go.opentelemetry.io/otel"
)

// Releaser is how the scheduler hands a ready handle off to the worker
// queue layer; it must never block the event loop.
type Releaser func(ctx context.Context, h queue.Handle)

// TimeScheduler runs a single-threaded event loop over one PriorityQueue.
// Idle CPU is zero: the loop parks on a channel select with no polling.
type TimeScheduler struct {
	queue    *queue.PriorityQueue
	release  Releaser
	logger   *slog.Logger
	name     string

	stop chan struct{}
	done chan struct{}
}

func New(name string, pq *queue.PriorityQueue, release Releaser, logger *slog.Logger) *TimeScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeScheduler{
		queue:   pq,
		release: release,
		logger:  logger,
		name:    name,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue inserts a handle for future release. Safe to call concurrently
// with Run.
func (s *TimeScheduler) Enqueue(h queue.Handle, due time.Time) {
	s.queue.Enqueue(h, due)
}

// Cancel removes a not-yet-due handle, e.g. on user cancellation.
func (s *TimeScheduler) Cancel(taskID string) bool {
	return s.queue.Remove(taskID)
}

// Run is the event loop; it blocks until Stop is called or ctx is cancelled.
func (s *TimeScheduler) Run(ctx context.Context) {
	defer close(s.done)
	tracer := otel.Tracer("evertask-scheduler")

	for {
		delay := s.delayUntilNextDue()

		var timer *time.Timer
		var timerC <-chan time.Time
		if delay >= 0 {
			timer = time.NewTimer(delay)
			timerC = timer.C
		}

		select {
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.queue.Wake():
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}

		now := time.Now()
		ready := s.queue.DequeueReadyBefore(now)
		for _, h := range ready {
			_, span := tracer.Start(ctx, "scheduler.release")
			s.release(ctx, h)
			span.End()
		}
	}
}

// delayUntilNextDue returns -1 (meaning "wait forever, only wake signal or
// ctx can unblock") when the queue is empty, else the duration until the
// earliest-due handle, clamped to zero if already due.
func (s *TimeScheduler) delayUntilNextDue() time.Duration {
	h, ok := s.queue.TryPeek()
	if !ok {
		return -1
	}
	d := time.Until(h.Due)
	if d < 0 {
		return 0
	}
	return d
}

// Stop signals the loop to exit and waits for it to drain.
func (s *TimeScheduler) Stop() {
	close(s.stop)
	<-s.done
}
