package scheduler

import (
	"context"
	"hash/fnv"
	"log/slog"

	"github.com/evertask/evertask/queue"
)

// Sharded runs N independent TimeSchedulers. A task is routed to shard
// h(id) mod N and stays there for every recurring continuation, so shards
// never need to coordinate with each other — this is what gives sharding
// its linear scaling on high-volume scheduling workloads, at the cost of
// any ordering guarantee across shards.
type Sharded struct {
	shards []*TimeScheduler
}

// NewSharded builds n shards, each backed by its own priority queue, wired
// to the same release function.
func NewSharded(n int, release Releaser, logger *slog.Logger) *Sharded {
	if n < 1 {
		n = 1
	}
	shards := make([]*TimeScheduler, n)
	for i := range shards {
		shards[i] = New("", queue.NewPriorityQueue(), release, logger)
	}
	return &Sharded{shards: shards}
}

// ShardFor deterministically maps a task id to its shard index.
func (s *Sharded) ShardFor(taskID string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(taskID))
	return int(h.Sum64() % uint64(len(s.shards)))
}

// Run starts every shard's event loop and blocks until ctx is cancelled or
// Stop is called on all shards.
func (s *Sharded) Run(ctx context.Context) {
	done := make(chan struct{}, len(s.shards))
	for _, shard := range s.shards {
		shard := shard
		go func() {
			shard.Run(ctx)
			done <- struct{}{}
		}()
	}
	for range s.shards {
		<-done
	}
}

// Stop signals every shard to exit and waits for them to drain.
func (s *Sharded) Stop() {
	for _, shard := range s.shards {
		shard.Stop()
	}
}

// Shard returns the scheduler instance owning taskID, so a caller can
// Enqueue/Cancel on the shard consistently across a task's lifetime
// (including recurring continuations, which must stay on the originating
// shard).
func (s *Sharded) Shard(taskID string) *TimeScheduler {
	return s.shards[s.ShardFor(taskID)]
}
