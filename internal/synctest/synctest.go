// Package synctest provides deterministic fakes for testing the store,
// orchestrator, and scheduler without spawning real child processes or
// depending on wall-clock time.
package synctest

import (
	"context"
	"sync"
	"time"

	"github.com/foldersync/syncd/pkg/procrunner"
)

// Clock is an injectable source of the current time, letting tests control
// staleness and timestamp computations deterministically.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a Clock fixed at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Invocation records one call made through FakeProcessRunner.
type Invocation struct {
	Name string
	Args []string
	Opts procrunner.Options
}

// FakeProcessRunner records every Run call and returns scripted results in
// call order, without spawning any real process. It satisfies both
// pkg/remote.ProcessRunner and any orchestrator dependency of the same
// shape.
type FakeProcessRunner struct {
	mu          sync.Mutex
	Invocations []Invocation
	// Results is consumed in order, one per call to Run. If exhausted,
	// Default is returned.
	Results []*procrunner.Result
	Default *procrunner.Result
	// Err, if set, is returned as the error from every Run call.
	Err error
}

// NewFakeProcessRunner creates a FakeProcessRunner that returns success by
// default.
func NewFakeProcessRunner() *FakeProcessRunner {
	return &FakeProcessRunner{
		Default: &procrunner.Result{Code: 0, Success: true},
	}
}

// Run records the call and returns the next scripted result.
func (f *FakeProcessRunner) Run(_ context.Context, name string, args []string, opts procrunner.Options) (*procrunner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Invocations = append(f.Invocations, Invocation{Name: name, Args: args, Opts: opts})

	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Results) > 0 {
		r := f.Results[0]
		f.Results = f.Results[1:]
		return r, nil
	}
	return f.Default, nil
}

// CallCount returns the number of Run invocations recorded so far.
func (f *FakeProcessRunner) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Invocations)
}

// LastInvocation returns the most recent recorded call, or the zero value
// if none have occurred.
func (f *FakeProcessRunner) LastInvocation() Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Invocations) == 0 {
		return Invocation{}
	}
	return f.Invocations[len(f.Invocations)-1]
}
