package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Supervisor starts one runner per task and tracks the live ones. Runners
// are transient: once a runner ends, for any reason, it is never restarted,
// because an already-mutated external sandbox/session cannot be safely
// resumed.
type Supervisor struct {
	c    Collaborators
	opts Options

	mu      sync.Mutex
	runners map[string]*Runner
	wg      sync.WaitGroup

	ctx       context.Context
	cancelAll context.CancelFunc
}

// NewSupervisor creates a supervisor sharing one set of collaborators across
// all runners.
func NewSupervisor(c Collaborators, opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		c:         c,
		opts:      opts,
		runners:   make(map[string]*Runner),
		ctx:       ctx,
		cancelAll: cancel,
	}
}

// StartTask spawns a runner for the task. A task that already has a live
// runner cannot be started again.
func (s *Supervisor) StartTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return fmt.Errorf("supervisor is shut down")
	}
	if _, exists := s.runners[taskID]; exists {
		return fmt.Errorf("task %s already has a runner", taskID)
	}

	r := New(taskID, s.c, s.opts)
	s.runners[taskID] = r
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.runners, taskID)
			s.mu.Unlock()
		}()
		defer func() {
			// The runner's own deferred teardown has already released the
			// sandbox by the time a panic reaches here; keep the daemon up.
			if p := recover(); p != nil {
				slog.Error("runner panicked", "task_id", taskID, "panic", p)
			}
		}()
		r.Run(s.ctx)
	}()

	slog.Info("supervisor: runner started", "task_id", taskID)
	return nil
}

// Cancel requests cooperative cancellation of a running task. Unknown or
// already-finished tasks are a no-op.
func (s *Supervisor) Cancel(taskID string) {
	s.mu.Lock()
	r := s.runners[taskID]
	s.mu.Unlock()
	if r != nil {
		r.Cancel()
	}
}

// Running returns the ids of tasks with a live runner.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every live runner and waits until they finish or ctx
// expires.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancelAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}
