// Package lifecycle drives a benchmark target through its states: validate,
// provision, ready, active, released. The controller owns the ordering; the
// safety gate, provisioner, and cleanup registry do the work.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/cleanup"
	"github.com/storageforge/diskmark/internal/metrics"
	"github.com/storageforge/diskmark/internal/safety"
	"github.com/storageforge/diskmark/internal/target"
)

// ErrSafetyViolation marks a run blocked by a failing safety check.
var ErrSafetyViolation = errors.New("safety gate rejected the run")

// TransitionError reports an operation called in the wrong state.
type TransitionError struct {
	Op   string
	From target.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: cannot %s from state %s", e.Op, e.From)
}

// Gate is the safety check surface the controller depends on.
type Gate interface {
	Run(ctx context.Context, req safety.Request) safety.Results
}

// Provisioner is the target acquisition surface the controller depends on.
type Provisioner interface {
	Provision(ctx context.Context, spec target.Spec, reg *cleanup.Registry) (*target.Target, error)
	Readiness(t *target.Target) error
}

// Monitor is the background sampler bracketed by the active window. Both
// methods must be idempotent; Release stops the monitor unconditionally so
// an interrupt mid-window cannot leave the sampler running.
type Monitor interface {
	Start()
	Stop()
}

// Controller is the single writer of lifecycle state. All transitions pass
// through it, so invalid orderings are caught here rather than surfacing as
// corrupted runs.
type Controller struct {
	gate        Gate
	provisioner Provisioner
	registry    *cleanup.Registry
	monitor     Monitor
	logger      *zap.Logger

	mu     sync.Mutex
	state  target.State
	target *target.Target
}

// New builds a controller in the uninitialized state. The monitor may be
// nil when no resource sampling is wanted.
func New(gate Gate, provisioner Provisioner, registry *cleanup.Registry, mon Monitor, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		gate:        gate,
		provisioner: provisioner,
		registry:    registry,
		monitor:     mon,
		logger:      logger,
		state:       target.StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() target.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target returns the provisioned target, nil before provisioning.
func (c *Controller) Target() *target.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Controller) transition(to target.State) {
	c.logger.Info("lifecycle transition",
		zap.String("from", string(c.state)),
		zap.String("to", string(to)))
	c.state = to
	if c.target != nil {
		c.target.State = to
	}
	metrics.RecordTransition(string(to))
}

func (c *Controller) guard(op string, from ...target.State) error {
	for _, s := range from {
		if c.state == s {
			return nil
		}
	}
	return &TransitionError{Op: op, From: c.state}
}

// Validate runs the safety gate. All check results are returned even on
// rejection so the operator sees every problem at once. A failing check
// moves the controller to failed and returns ErrSafetyViolation.
func (c *Controller) Validate(ctx context.Context, req safety.Request) (safety.Results, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard("validate", target.StateUninitialized); err != nil {
		return nil, err
	}

	results := c.gate.Run(ctx, req)
	if !results.OK() {
		c.transition(target.StateFailed)
		return results, fmt.Errorf("%w: %d check(s) failed", ErrSafetyViolation, len(results.Failures()))
	}
	c.transition(target.StateValidated)
	return results, nil
}

// Provision acquires and mounts the target, registering its teardown with
// the cleanup registry before each mutating step.
func (c *Controller) Provision(ctx context.Context, spec target.Spec) (*target.Target, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard("provision", target.StateValidated); err != nil {
		return nil, err
	}
	c.transition(target.StateProvisioned)

	tgt, err := c.provisioner.Provision(ctx, spec, c.registry)
	if err != nil {
		c.transition(target.StateFailed)
		return nil, err
	}
	c.target = tgt
	c.transition(target.StateMounted)
	return tgt, nil
}

// MarkReady probes the mounted target for writability and capacity.
func (c *Controller) MarkReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard("mark ready", target.StateMounted); err != nil {
		return err
	}

	if err := c.provisioner.Readiness(c.target); err != nil {
		c.transition(target.StateFailed)
		return err
	}
	c.transition(target.StateReady)
	return nil
}

// EnterActive opens the measurement window and starts the resource monitor.
// The registry is sealed here: no resources are acquired while tools run,
// so the action list is frozen before any signal could race a registration.
func (c *Controller) EnterActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard("enter active", target.StateReady); err != nil {
		return err
	}
	c.registry.Seal()
	c.transition(target.StateInUse)
	if c.monitor != nil {
		c.monitor.Start()
	}
	return nil
}

// ExitActive closes the measurement window and stops the monitor.
func (c *Controller) ExitActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard("exit active", target.StateInUse); err != nil {
		return err
	}
	if c.monitor != nil {
		c.monitor.Stop()
	}
	c.transition(target.StateReady)
	return nil
}

// Fail moves the controller to failed from any non-terminal state, typically
// after an external error mid-run. Failing a terminal state is a no-op.
func (c *Controller) Fail(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case target.StateReleased, target.StateFailed:
		return
	}
	c.logger.Error("lifecycle failed", zap.String("state", string(c.state)), zap.Error(cause))
	c.transition(target.StateFailed)
}

// Release drains the cleanup registry and moves to released. It is valid
// from every state and idempotent: the registry runs each action exactly
// once regardless of how many paths call Release. The monitor is stopped
// first so an interrupt mid-window does not leak its goroutine.
func (c *Controller) Release() {
	if c.monitor != nil {
		c.monitor.Stop()
	}
	c.registry.Release()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == target.StateReleased {
		return
	}
	c.transition(target.StateReleased)
}
