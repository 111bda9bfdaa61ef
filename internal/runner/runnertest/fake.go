// Package runnertest provides a recording Runner for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"
)

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a single command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Fake records every command instead of running it. Handler, when set,
// decides the outcome and may perform side effects on the filesystem.
type Fake struct {
	Handler func(call Call) (string, error)
	Dry     bool

	mu    sync.Mutex
	calls []Call
}

// Run implements runner.Runner.
func (f *Fake) Run(ctx context.Context, name string, args ...string) error {
	_, err := f.Capture(ctx, name, args...)
	return err
}

// Capture implements runner.Runner.
func (f *Fake) Capture(_ context.Context, name string, args ...string) (string, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	if f.Dry || f.Handler == nil {
		return "", nil
	}
	return f.Handler(call)
}

// DryRun implements runner.Runner.
func (f *Fake) DryRun() bool {
	return f.Dry
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the recorded calls rendered as strings.
func (f *Fake) Commands() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}
