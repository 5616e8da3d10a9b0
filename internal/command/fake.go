package command

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeRunner returns scripted results in order and records every invocation.
// It exists so dispatcher behavior can be tested without real subprocesses.
type FakeRunner struct {
	mu      sync.Mutex
	script  []FakeCall
	next    int
	Invoked []Command
}

// FakeCall is one scripted Run outcome.
type FakeCall struct {
	Result Result
	Err    error
}

func NewFakeRunner(script ...FakeCall) *FakeRunner {
	return &FakeRunner{script: script}
}

var _ Runner = (*FakeRunner)(nil)

func (f *FakeRunner) Run(ctx context.Context, c Command, timeout time.Duration) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Invoked = append(f.Invoked, c)
	if f.next >= len(f.script) {
		return Result{}, fmt.Errorf("fake runner: unscripted call %d", f.next+1)
	}
	call := f.script[f.next]
	f.next++
	return call.Result, call.Err
}

// Calls returns the number of Run invocations so far.
func (f *FakeRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Invoked)
}
