package evertask

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ActiveRegistry tracks the cancel function for every InProgress execution,
// letting Engine.Cancel signal a running handler without the dispatcher and
// executor sharing any other state. One registry per Engine.
type ActiveRegistry struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

func NewActiveRegistry(meter metric.Meter, tracer trace.Tracer) *ActiveRegistry {
	cancellations, _ := meter.Int64Counter("evertask_executions_cancelled_total")
	return &ActiveRegistry{active: map[string]context.CancelFunc{}, cancellations: cancellations, tracer: tracer}
}

// Register records cancel as the way to interrupt taskID's running
// execution. Safe to call concurrently with Cancel.
func (r *ActiveRegistry) Register(taskID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[taskID] = cancel
}

// Unregister drops taskID once its execution has finished, win or lose.
func (r *ActiveRegistry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, taskID)
}

// Cancel signals taskID's running execution, if any, and reports whether one
// was found. It does not itself persist any status change — the executor
// observes the resulting context cancellation and transitions the task.
func (r *ActiveRegistry) Cancel(ctx context.Context, taskID string) bool {
	ctx, span := r.tracer.Start(ctx, "cancellation.cancel", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	r.mu.Lock()
	cancel, ok := r.active[taskID]
	r.mu.Unlock()
	if !ok {
		span.AddEvent(fmt.Sprintf("task %s not in-progress", taskID))
		return false
	}

	cancel()
	r.cancellations.Add(ctx, 1)
	span.AddEvent("execution_cancelled")
	return true
}
