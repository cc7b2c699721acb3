// Package supervise tracks named background tasks with explicit
// start/stop and a done signal, so shutdown and tests can await
// quiescence.
package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Supervisor owns a set of named background tasks. A panic in a task
// is logged, never propagated.
type Supervisor struct {
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an empty supervisor.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger, tasks: make(map[string]*task)}
}

// Go launches fn under the given name. Starting a name that is
// already running is an error.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.tasks[name]; exists {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("task %q already running", name)
	}
	s.tasks[name] = t
	s.mu.Unlock()

	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background task panicked",
					"task", name, "panic", r, "stack", string(debug.Stack()))
			}
			s.mu.Lock()
			delete(s.tasks, name)
			s.mu.Unlock()
		}()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("background task failed", "task", name, "error", err)
		} else {
			s.logger.Debug("background task finished", "task", name)
		}
	}()
	return nil
}

// Running reports whether the named task is still live.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Stop cancels the named task and waits up to timeout for it to
// finish. Stopping an unknown name is a no-op.
func (s *Supervisor) Stop(name string, timeout time.Duration) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	select {
	case <-t.done:
	case <-time.After(timeout):
		s.logger.Warn("background task did not stop in time", "task", name)
	}
}

// StopAll cancels every task and waits up to timeout for all of them.
func (s *Supervisor) StopAll(timeout time.Duration) {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	dones := make([]chan struct{}, 0, len(s.tasks))
	for name, t := range s.tasks {
		t.cancel()
		names = append(names, name)
		dones = append(dones, t.done)
	}
	s.mu.Unlock()

	deadline := time.After(timeout)
	for i, done := range dones {
		select {
		case <-done:
		case <-deadline:
			s.logger.Warn("background task did not stop in time", "task", names[i])
			return
		}
	}
}
