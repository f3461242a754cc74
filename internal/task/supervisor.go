package task

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status is a point-in-time view of one worker.
type Status struct {
	Name  string `json:"name"`
	Task  string `json:"task"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Supervisor runs workers side by side and stops them together.
type Supervisor struct {
	logger *zap.Logger

	mu      sync.RWMutex
	workers []*Worker
}

// NewSupervisor creates a Supervisor for workers.
func NewSupervisor(logger *zap.Logger, workers ...*Worker) *Supervisor {
	return &Supervisor{logger: logger, workers: workers}
}

// Add registers more workers. It must be called before Run.
func (s *Supervisor) Add(workers ...*Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, workers...)
}

// Run starts every worker and blocks until all have exited. Canceling ctx
// stops every worker. A failed worker does not stop the others.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.RLock()
	workers := append([]*Worker(nil), s.workers...)
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping all workers", zap.Int("workers", len(workers)))
			s.StopAll()
		case <-done:
		}
	}()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			// Failures are logged by the worker itself.
			_ = w.Run(ctx)
			return nil
		})
	}
	err := g.Wait()
	close(done)
	s.logger.Info("all workers exited")
	return err
}

// StopAll asks every worker to stop.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		w.Stop()
	}
}

// Stop stops the named worker and reports whether it exists.
func (s *Supervisor) Stop(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if w.Name() == name {
			w.Stop()
			return true
		}
	}
	return false
}

// Statuses snapshots every worker.
func (s *Supervisor) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.workers))
	for _, w := range s.workers {
		st := Status{Name: w.Name(), Task: w.Task(), State: w.State().String()}
		if err := w.Err(); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Running reports how many workers are running.
func (s *Supervisor) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, w := range s.workers {
		if w.State() == StateRunning {
			n++
		}
	}
	return n
}
