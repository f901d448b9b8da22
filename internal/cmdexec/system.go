package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// System runs commands on the host with os/exec.
type System struct {
	logger *zap.Logger
}

// NewSystem creates a host-backed runner.
func NewSystem(logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{logger: logger}
}

// Run executes the command, enforcing spec.Timeout on top of ctx.
func (s *System) Run(ctx context.Context, spec Spec) (Output, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("executing command",
		zap.String("name", spec.Name),
		zap.Strings("args", spec.Args),
		zap.Duration("timeout", spec.Timeout))

	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		out.TimedOut = true
		out.ExitCode = -1
		s.logger.Warn("command timed out",
			zap.String("name", spec.Name),
			zap.Duration("elapsed", out.Elapsed))
		return out, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		// The process never ran (missing binary, permission, ctx cancel).
		return out, err
	}

	out.ExitCode = 0
	return out, nil
}

// LookPath resolves a utility on PATH.
func (s *System) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
