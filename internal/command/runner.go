// Package command invokes external work commands with a hard timeout and
// classifies the outcome into an explicit tagged result, decoupled from any
// numeric exit-code convention.
package command

import (
	"context"
	"time"
)

// maxOutputBytes caps the amount of combined output captured per execution.
const maxOutputBytes = 64 * 1024

// Outcome classifies a completed execution.
type Outcome int

const (
	// Success means the command exited zero.
	Success Outcome = iota
	// Timeout means the command was force-terminated for exceeding its
	// deadline. Timeouts never consume retry budget; the caller compensates.
	Timeout
	// Failure means the command exited non-zero.
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Command describes one external invocation.
type Command struct {
	Argv []string
	Dir  string
	Env  []string
}

// Result is the classified outcome of an execution plus bounded captured output.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Output   string
}

// Runner executes commands. The production implementation spawns a real
// subprocess; tests use a scripted fake.
type Runner interface {
	// Run blocks until the command finishes or timeout elapses. A non-nil
	// error means the command could not be invoked or supervised at all;
	// classification of a completed run lives in Result.
	Run(ctx context.Context, cmd Command, timeout time.Duration) (Result, error)
}

// boundedBuffer captures writes up to maxOutputBytes and drops the rest.
type boundedBuffer struct {
	buf []byte
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if remaining := maxOutputBytes - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string { return string(b.buf) }
