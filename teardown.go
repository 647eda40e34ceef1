package beacon

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"cdr.dev/slog/v3"
)

type exitFunc struct {
	name string
	fn   func()
}

// ExitHook collects teardown functions and runs them once, newest first.
// It stands in for a pre-unload hook: Client.Dispose runs it, and
// NotifyOnSignal runs it on SIGINT or SIGTERM.
type ExitHook struct {
	log slog.Logger

	mu  sync.Mutex
	fns []exitFunc
	ran bool
}

// NewExitHook creates an empty ExitHook.
func NewExitHook(log slog.Logger) *ExitHook {
	return &ExitHook{log: log}
}

// Register adds fn under name. Functions registered after Run never run.
func (e *ExitHook) Register(name string, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fns = append(e.fns, exitFunc{name: name, fn: fn})
}

// Run calls every registered function synchronously in reverse
// registration order. Only the first call does anything.
func (e *ExitHook) Run() {
	e.mu.Lock()
	if e.ran {
		e.mu.Unlock()
		return
	}
	e.ran = true
	fns := e.fns
	e.fns = nil
	e.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		e.log.Debug(context.Background(), "running exit hook", slog.F("name", fns[i].name))
		fns[i].fn()
	}
}

// Ran reports whether Run has been called.
func (e *ExitHook) Ran() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ran
}

// NotifyOnSignal runs the hook when the process receives SIGINT or SIGTERM.
// Calling stop, or cancelling ctx, detaches it without running the hook.
func (e *ExitHook) NotifyOnSignal(ctx context.Context) (stop func()) {
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	stopped := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		<-sigCtx.Done()
		select {
		case <-stopped:
			return
		default:
		}
		if ctx.Err() != nil {
			return
		}
		e.log.Info(ctx, "received exit signal")
		e.Run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopped)
			cancel()
			<-done
		})
	}
}
