package evertask

import (
	"context"
	"time"

	"github.com/evertask/evertask/retry"
)

// Handler executes one task payload. A fresh Handler instance is
// constructed per execution (via HandlerFactory); implementations should
// not carry mutable state across calls to Handle.
type Handler interface {
	// Handle runs the task. ctx carries the composed cancel signal (user
	// cancel, engine shutdown, and any configured timeout).
	Handle(ctx context.Context, payload []byte) error
}

// OnStartedHook is implemented by handlers that want to observe the
// Queued→InProgress transition. Errors are logged, never fatal.
type OnStartedHook interface {
	OnStarted(ctx context.Context, taskID string) error
}

// OnCompletedHook is implemented by handlers that want to observe a
// successful run.
type OnCompletedHook interface {
	OnCompleted(ctx context.Context, taskID string) error
}

// OnErrorHook is implemented by handlers that want to observe a failed run.
type OnErrorHook interface {
	OnError(ctx context.Context, taskID string, cause error, message string) error
}

// OnRetryHook is implemented by handlers that want to observe each retry
// attempt made by the retry policy.
type OnRetryHook interface {
	OnRetry(ctx context.Context, taskID string, attempt int, cause error, delay time.Duration) error
}

// Disposer is implemented by handlers holding resources that must be
// released once after Handle (and any retries) finish, win or lose.
type Disposer interface {
	DisposeAsync(ctx context.Context) error
}

// HandlerFactory constructs a fresh Handler for one execution. Returning a
// new value per call is what gives "scoped per execution" semantics without
// a DI container: callers typically close over a shared dependency bundle
// and allocate only the handler's own state here.
type HandlerFactory func() Handler

// HandlerRegistration binds a task type name to the factory, and default
// policy, used whenever a handler doesn't override them per-dispatch.
type HandlerRegistration struct {
	TaskType      string
	Factory       HandlerFactory
	RetryPolicy   *retry.Policy
	Timeout       time.Duration
	QueueName     string
}
