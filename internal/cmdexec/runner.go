// Package cmdexec runs external commands with a timeout and captures their
// output. It is the only place in the codebase that spawns processes.
package cmdexec

import (
	"context"
	"time"
)

// Spec describes one command invocation.
type Spec struct {
	Name    string        // binary name or path
	Args    []string      // arguments, excluding the binary itself
	Dir     string        // working directory; empty means inherit
	Timeout time.Duration // zero means no timeout beyond ctx
}

// Output is everything captured from one invocation. A non-zero exit code is
// not an error at this layer; callers decide what it means.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
	TimedOut bool
}

// Runner executes external commands and answers availability queries.
type Runner interface {
	// Run executes the command described by spec. The returned error is
	// non-nil only when the process could not be started or was cut off by
	// something other than its own exit; a tool failing with a non-zero
	// exit code yields a nil error and Output.ExitCode set.
	Run(ctx context.Context, spec Spec) (Output, error)

	// LookPath reports the resolved path of a utility, or an error when it
	// is not present on PATH.
	LookPath(name string) (string, error)
}
