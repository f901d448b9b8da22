package cmdexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is a scripted Runner for tests. Responses are matched by command name
// (and optionally the first argument), calls are recorded in order.
type Fake struct {
	mu        sync.Mutex
	responses map[string]Output
	errs      map[string]error
	missing   map[string]bool
	calls     []Spec
}

// NewFake creates an empty fake runner; unknown commands succeed with empty
// output and every utility looks available unless marked missing.
func NewFake() *Fake {
	return &Fake{
		responses: make(map[string]Output),
		errs:      make(map[string]error),
		missing:   make(map[string]bool),
	}
}

// Respond scripts the output for a command key. The key is either the bare
// command name ("mount") or name plus first argument ("sysbench run").
func (f *Fake) Respond(key string, out Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key] = out
}

// Fail scripts a spawn-level error for a command key.
func (f *Fake) Fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[key] = err
}

// MarkMissing makes LookPath fail for the named utility.
func (f *Fake) MarkMissing(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[name] = true
}

// Calls returns the specs run so far, in order.
func (f *Fake) Calls() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Spec, len(f.calls))
	copy(out, f.calls)
	return out
}

// CalledWith reports whether any recorded call matches the given key.
func (f *Fake) CalledWith(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if keyOf(c) == key || c.Name == key {
			return true
		}
	}
	return false
}

func keyOf(spec Spec) string {
	if len(spec.Args) > 0 {
		return spec.Name + " " + spec.Args[len(spec.Args)-1]
	}
	return spec.Name
}

// Run returns the scripted response for the spec, preferring the most
// specific key.
func (f *Fake) Run(ctx context.Context, spec Spec) (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, spec)

	for _, key := range fakeKeys(spec) {
		if err, ok := f.errs[key]; ok {
			return Output{}, err
		}
		if out, ok := f.responses[key]; ok {
			return out, nil
		}
	}
	return Output{}, nil
}

// fakeKeys lists lookup keys from most to least specific.
func fakeKeys(spec Spec) []string {
	keys := []string{}
	if len(spec.Args) > 0 {
		// "sysbench run" style: name plus trailing verb argument.
		keys = append(keys, spec.Name+" "+spec.Args[len(spec.Args)-1])
		keys = append(keys, spec.Name+" "+spec.Args[0])
		keys = append(keys, spec.Name+" "+strings.Join(spec.Args, " "))
	}
	return append(keys, spec.Name)
}

// LookPath honors MarkMissing, resolving everything else to a fake path.
func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[name] {
		return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
	}
	return "/usr/bin/" + name, nil
}
