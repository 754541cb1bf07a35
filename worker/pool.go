// Package worker implements EverTask's per-queue worker pool: a reader
// goroutine gated by a parallelism semaphore, spawning one execution per
// dequeued handle.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evertask/evertask/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Execute runs one dequeued handle to completion. It must itself respect
// ctx cancellation; the pool does not forcibly interrupt it.
type Execute func(ctx context.Context, h queue.Handle)

// Pool reads from one BoundedQueue and runs up to MaxParallelism
// executions concurrently.
type Pool struct {
	queueName      string
	source         *queue.BoundedQueue
	execute        Execute
	maxParallelism int
	logger         *slog.Logger

	sem      chan struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}

	inFlight metric.Int64UpDownCounter
}

func NewPool(queueName string, source *queue.BoundedQueue, maxParallelism int, execute Execute, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if maxParallelism < 1 {
		maxParallelism = 1
	}
	meter := otel.GetMeterProvider().Meter("evertask")
	inFlight, _ := meter.Int64UpDownCounter("evertask_queue_parallelism_inuse")

	return &Pool{
		queueName:      queueName,
		source:         source,
		execute:        execute,
		maxParallelism: maxParallelism,
		logger:         logger,
		sem:            make(chan struct{}, maxParallelism),
		shutdown:       make(chan struct{}),
		inFlight:       inFlight,
	}
}

// Run reads handles until ctx is cancelled or Shutdown is called. Reads are
// parked (not busy-waited) while the queue is empty.
func (p *Pool) Run(ctx context.Context) {
	for {
		select {
		case <-p.shutdown:
			return
		case <-ctx.Done():
			return
		case h := <-p.source.Receive():
			p.dispatch(ctx, h)
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, h queue.Handle) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	p.wg.Add(1)
	p.inFlight.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", p.queueName)))
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer p.inFlight.Add(ctx, -1, metric.WithAttributes(attribute.String("queue", p.queueName)))

		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker: execution panicked", "queue", p.queueName, "panic", r)
			}
		}()
		p.execute(ctx, h)
	}()
}

// Shutdown stops accepting new reads and waits up to grace for in-flight
// executions to finish on their own (they observe ctx cancellation passed
// to Run and should wind down promptly). If the grace period elapses,
// Shutdown returns anyway — surviving executions are expected to persist
// ServiceStopped once their context is done, and recovery re-queues them
// on the next startup.
func (p *Pool) Shutdown(grace time.Duration) {
	close(p.shutdown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("worker: shutdown grace period elapsed with executions still in flight", "queue", p.queueName)
	}
}

// InUse reports the number of executions currently holding a parallelism
// slot, for diagnostics.
func (p *Pool) InUse() int { return len(p.sem) }
