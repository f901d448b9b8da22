// Package cleanup guarantees teardown of acquired resources on every exit
// path: normal return, lifecycle failure, or termination signal.
package cleanup

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/metrics"
)

// Action is one named, idempotent teardown step. Running an action twice
// must be a no-op; each action checks current system state before acting.
type Action struct {
	Name string
	Run  func() error
}

// Registry accumulates cleanup actions during provisioning and drains them,
// most recent first, during release. It is the only state shared between the
// foreground sequence and the signal path, so all access goes through the
// mutex and Release drains the list to make a second invocation a no-op.
type Registry struct {
	logger *zap.Logger

	mu      sync.Mutex
	actions []Action
	sealed  bool
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Register appends an action. Actions must be registered before the mutating
// step they undo, so a crash mid-step still releases whatever partially
// succeeded. Registration after Seal is rejected.
func (r *Registry) Register(name string, run func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		r.logger.Warn("cleanup action registered after seal, ignoring", zap.String("action", name))
		return
	}
	r.actions = append(r.actions, Action{Name: name, Run: run})
	r.logger.Debug("cleanup action registered", zap.String("action", name), zap.Int("depth", len(r.actions)))
}

// Seal closes the registry to new actions. Called when the active window
// begins: no resources are acquired after provisioning, so the action list
// is frozen before a signal could plausibly race a registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Len reports the number of pending actions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

// Release executes every pending action in reverse registration order. A
// failing action is logged and counted, never fatal: best effort to undo
// everything outranks failing fast during teardown. Release drains the list,
// so concurrent or repeated calls execute each action exactly once.
func (r *Registry) Release() {
	r.mu.Lock()
	pending := r.actions
	r.actions = nil
	r.mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		action := pending[i]
		if err := action.Run(); err != nil {
			r.logger.Error("cleanup action failed",
				zap.String("action", action.Name),
				zap.Error(err))
			metrics.RecordCleanupAction("failed")
			continue
		}
		r.logger.Info("cleanup action completed", zap.String("action", action.Name))
		metrics.RecordCleanupAction("ok")
	}
}

// Arm installs interrupt/termination handlers that invoke onInterrupt. The
// handler runs in its own goroutine, not in signal context proper, so it may
// log and unmount freely. The returned function disarms the handlers.
func (r *Registry) Arm(onInterrupt func(sig os.Signal)) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			r.logger.Warn("termination signal received", zap.String("signal", sig.String()))
			onInterrupt(sig)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
