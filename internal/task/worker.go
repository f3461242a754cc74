// Package task provides the worker runtime: lifecycle, periodic producers,
// queue consumers and the supervisor that stops them together.
package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"runtime/pprof"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/telemetry"
)

// State is a worker lifecycle state.
type State int32

// Lifecycle states. Transitions only move forward.
const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Body is the main loop of a worker. It returns nil when ctx is canceled.
type Body interface {
	Run(ctx context.Context) error
}

// BodyFunc adapts a function to Body.
type BodyFunc func(ctx context.Context) error

// Run implements Body.
func (f BodyFunc) Run(ctx context.Context) error { return f(ctx) }

// DebugHook runs after a worker fails when debugging is enabled.
type DebugHook func(worker string, failure error, stack []byte)

// DumpGoroutines writes every goroutine stack to stderr.
func DumpGoroutines(_ string, _ error, _ []byte) {
	_ = pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
}

// Option configures a Worker.
type Option func(*Worker)

// WithDebugHook installs hook to run on failure.
func WithDebugHook(hook DebugHook) Option {
	return func(w *Worker) { w.debugHook = hook }
}

// Worker is one named, independently stoppable unit of execution.
type Worker struct {
	name   string
	task   string
	body   Body
	logger *zap.Logger

	debugHook DebugHook

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	err    error
}

// NewWorker creates a worker in the created state.
func NewWorker(task, name string, body Body, logger *zap.Logger, opts ...Option) *Worker {
	w := &Worker{name: name, task: task, body: body, logger: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// Task returns the task class the worker belongs to.
func (w *Worker) Task() string { return w.task }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the failure that ended the worker, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Run executes the body until it returns, ctx is canceled or Stop is called.
// A failure or panic in the body is logged here and ends the worker; it is
// not restarted.
func (w *Worker) Run(ctx context.Context) (err error) {
	w.mu.Lock()
	if w.state != StateCreated {
		w.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.state = StateRunning
	w.mu.Unlock()

	telemetry.IncActiveWorkers()
	w.logger.Info("worker started")
	defer func() {
		cancel()
		telemetry.DecActiveWorkers()
		w.mu.Lock()
		w.state = StateStopped
		w.err = err
		w.mu.Unlock()
		w.logger.Info("worker stopped")
	}()
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			err = fmt.Errorf("worker panic: %v", rec)
			w.fail(err, stack)
		}
	}()

	if err = w.body.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		w.fail(err, debug.Stack())
		return err
	}
	return nil
}

// Stop asks the worker to exit. It is safe to call more than once and before Run.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateCreated:
		w.state = StateStopped
	case StateRunning:
		w.state = StateStopping
		w.cancel()
	}
}

func (w *Worker) fail(err error, stack []byte) {
	w.logger.Error("worker failed", zap.Error(err), zap.ByteString("stack", stack))
	if w.debugHook != nil {
		w.debugHook(w.name, err, stack)
	}
}
