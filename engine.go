package evertask

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/evertask/evertask/queue"
	"github.com/evertask/evertask/retry"
	"github.com/evertask/evertask/scheduler"
	"github.com/evertask/evertask/storage"
	"github.com/evertask/evertask/worker"
	"go.opentelemetry.io/otel"
)

// QueueDefinition declares one named worker queue's capacity, parallelism,
// behavior when at capacity, and the timeout/retry defaults handlers
// inherit when they don't override them, per the configuration surface.
type QueueDefinition struct {
	Name           string
	Capacity       int
	MaxParallelism int
	FullPolicy     queue.FullPolicy
	Timeout        time.Duration
	RetryPolicy    *retry.Policy
}

// Config is Engine's construction-time configuration surface.
type Config struct {
	// ChannelCapacity is the default bounded-queue capacity for any queue
	// (including the built-in "default" and "recurring") not covered by
	// QueueDefinitions.
	ChannelCapacity int
	// MaxParallelism is the default per-queue parallelism cap.
	MaxParallelism int

	DefaultRetryPolicy *retry.Policy
	DefaultTimeout     time.Duration
	DefaultAuditLevel  storage.AuditLevel

	// ThrowIfUnableToPersist controls Dispatch's behavior on a storage
	// error: true surfaces it to the caller, false falls back to an
	// in-memory-only handle.
	ThrowIfUnableToPersist bool

	// ShardCount is the number of independent scheduler shards (>= 1).
	ShardCount int

	QueueDefinitions []QueueDefinition

	// Observers receive every status-change event the executor produces.
	Observers []Observer

	Logger *slog.Logger
}

// Engine is the assembled EverTask runtime: dispatcher, executor, recovery
// service, scheduler shards, and one worker pool per named queue, wired
// against one storage.TaskStorage backend.
type Engine struct {
	cfg      Config
	storage  storage.TaskStorage
	registry *Registry
	active   *ActiveRegistry
	queues   *queue.Manager
	sched    *scheduler.Sharded
	router   *Router
	executor *Executor

	dispatcher *Dispatcher
	recovery   *Recovery
	pools      []*worker.Pool
	logger     *slog.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewEngine assembles an Engine against store. Call RegisterHandler for
// every task type before Start.
func NewEngine(cfg Config, store storage.TaskStorage) *Engine {
	cfg = applyConfigDefaults(cfg)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry()
	meter := otel.Meter("evertask")
	active := NewActiveRegistry(meter, otel.Tracer("evertask-engine"))

	queues, queueDefs := buildQueues(cfg)
	router := NewRouter(queues, nil, store, logger)
	sched := scheduler.NewSharded(cfg.ShardCount, router.ReleaseFunc, logger)
	router.scheduler = sched

	queueDefaults := map[string]QueueOverride{}
	for name, d := range queueDefs {
		queueDefaults[name] = QueueOverride{Timeout: d.Timeout, RetryPolicy: d.RetryPolicy}
	}

	executor := NewExecutor(store, registry, active, router.Resubmit, logger, ExecutorConfig{
		DefaultRetryPolicy: cfg.DefaultRetryPolicy,
		DefaultTimeout:     cfg.DefaultTimeout,
		DefaultAuditLevel:  cfg.DefaultAuditLevel,
		QueueDefaults:      queueDefaults,
		Observers:          cfg.Observers,
	})

	dispatcher := NewDispatcher(store, registry, active, router, logger, cfg.DefaultAuditLevel, cfg.ThrowIfUnableToPersist)
	recovery := NewRecovery(store, router, logger)

	pools := make([]*worker.Pool, 0, len(queueDefs))
	for name, d := range queueDefs {
		q, _ := queues.Get(name)
		pools = append(pools, worker.NewPool(name, q, d.MaxParallelism, executor.Run, logger))
	}

	return &Engine{
		cfg:        cfg,
		storage:    store,
		registry:   registry,
		active:     active,
		queues:     queues,
		sched:      sched,
		router:     router,
		executor:   executor,
		dispatcher: dispatcher,
		recovery:   recovery,
		pools:      pools,
		logger:     logger,
	}
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 100
	}
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = 4
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.DefaultAuditLevel == "" {
		cfg.DefaultAuditLevel = storage.AuditFull
	}
	if cfg.DefaultRetryPolicy == nil {
		cfg.DefaultRetryPolicy = retry.Linear(0, 0)
	}
	return cfg
}

func buildQueues(cfg Config) (*queue.Manager, map[string]QueueDefinition) {
	mgr := queue.NewManager()
	defs := map[string]QueueDefinition{
		storage.DefaultQueueName:   {Name: storage.DefaultQueueName, Capacity: cfg.ChannelCapacity, MaxParallelism: cfg.MaxParallelism, FullPolicy: queue.Wait},
		storage.RecurringQueueName: {Name: storage.RecurringQueueName, Capacity: cfg.ChannelCapacity, MaxParallelism: cfg.MaxParallelism, FullPolicy: queue.Wait},
	}
	for _, d := range cfg.QueueDefinitions {
		if d.Capacity <= 0 {
			d.Capacity = cfg.ChannelCapacity
		}
		if d.MaxParallelism <= 0 {
			d.MaxParallelism = cfg.MaxParallelism
		}
		defs[d.Name] = d
	}
	for _, d := range defs {
		mgr.Register(queue.NewBoundedQueue(d.Name, d.Capacity, d.FullPolicy))
	}
	return mgr, defs
}

// RegisterHandler binds a task type to its handler factory and defaults.
// Must be called before Start.
func (e *Engine) RegisterHandler(reg HandlerRegistration) {
	e.registry.Register(reg)
}

// Start runs the recovery service once, then starts the scheduler shards
// and every worker pool. It returns once recovery has finished; the
// scheduler and pools keep running in background goroutines until
// Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx, e.runCancel = context.WithCancel(ctx)

	if err := e.recovery.Run(e.runCtx); err != nil {
		return fmt.Errorf("engine: recovery failed: %w", err)
	}

	go e.sched.Run(e.runCtx)
	for _, p := range e.pools {
		go p.Run(e.runCtx)
	}
	e.logger.Info("engine: started", "queues", len(e.pools), "shards", e.cfg.ShardCount)
	return nil
}

// Dispatch registers one unit of work. See Dispatcher.Dispatch.
func (e *Engine) Dispatch(ctx context.Context, taskType string, payload []byte, opts DispatchOptions) (string, error) {
	return e.dispatcher.Dispatch(ctx, taskType, payload, opts)
}

// Cancel transitions id to Cancelled, signaling an in-flight handler if one
// is running.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.dispatcher.Cancel(ctx, id)
}

// Shutdown stops accepting new scheduler releases, cancels every in-flight
// execution's composed signal, and waits up to grace for worker pools to
// drain before returning. Executions that survive the grace period persist
// ServiceStopped on their own once they observe cancellation; recovery
// re-queues them on the next Start.
func (e *Engine) Shutdown(grace time.Duration) {
	if e.runCancel != nil {
		e.runCancel()
	}
	e.sched.Stop()
	for _, p := range e.pools {
		p.Shutdown(grace)
	}
	e.logger.Info("engine: stopped")
}
