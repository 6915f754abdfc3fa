package fanout

import (
	"context"
	"log/slog"
)

// AsyncScheduler implements dispatcher.FanoutScheduler as an in-process,
// in-memory task queue: executed() enqueues a task record rather than
// running the engine inline on the HTTP goroutine, and a small worker
// pool drains it. Grounded on the teacher orchestrator's ready-channel
// worker pool in its DAG executor (services/orchestrator/main.go), here
// driving fan-out instead of task dispatch.
type AsyncScheduler struct {
	engine *Engine
	tasks  chan []string
	done   chan struct{}
}

// NewAsyncScheduler starts workers workers draining the task queue. Call
// Stop to shut the pool down.
func NewAsyncScheduler(engine *Engine, workers, queueDepth int) *AsyncScheduler {
	if workers < 1 {
		workers = 1
	}
	s := &AsyncScheduler{
		engine: engine,
		tasks:  make(chan []string, queueDepth),
		done:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

func (s *AsyncScheduler) worker() {
	for {
		select {
		case ids, ok := <-s.tasks:
			if !ok {
				return
			}
			if err := s.engine.Run(context.Background(), ids); err != nil {
				slog.Error("fan-out task failed", "state_ids", ids, "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// ScheduleFanout enqueues ids for asynchronous processing. The call never
// blocks the caller beyond the channel send; an unbounded backlog would
// indicate the worker pool is undersized for the claim rate.
func (s *AsyncScheduler) ScheduleFanout(ctx context.Context, ids []string) {
	select {
	case s.tasks <- ids:
	case <-ctx.Done():
	}
}

// Stop signals every worker to exit after finishing its current task.
// Tasks still waiting in the queue are not processed.
func (s *AsyncScheduler) Stop() {
	close(s.done)
}
