package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/tomgreer/redrive/internal/log"
)

// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
const terminationGracePeriod = 5 * time.Second

// ExecRunner runs commands as real subprocesses. Timeout termination is
// non-cooperative: SIGTERM, a short grace period, then SIGKILL. The invoked
// process is not assumed to handle either gracefully.
type ExecRunner struct {
	logger *slog.Logger
}

var _ Runner = (*ExecRunner)(nil)

func NewExecRunner() *ExecRunner {
	return &ExecRunner{logger: log.WithComponent("command")}
}

func (r *ExecRunner) Run(ctx context.Context, c Command, timeout time.Duration) (Result, error) {
	if len(c.Argv) == 0 {
		return Result{}, fmt.Errorf("command argv is empty")
	}
	if timeout <= 0 {
		return Result{}, fmt.Errorf("timeout must be positive")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// The caller's deadline covers everything before this call too (workspace
	// acquisition), so whatever is left of it is the real budget.
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Don't use CommandContext - we manage termination ourselves.
	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}

	var output boundedBuffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	r.logger.Debug("spawning command", "argv", c.Argv, "dir", c.Dir, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		r.logger.Warn("context done, terminating command", "argv", c.Argv, "cause", ctx.Err())
		r.terminate(cmd, waitErr)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Outcome: Timeout, Output: output.String()}, nil
		}
		return Result{}, fmt.Errorf("command canceled: %w", ctx.Err())

	case <-timeoutTimer.C:
		r.logger.Warn("command timed out, terminating", "argv", c.Argv, "timeout", timeout)
		r.terminate(cmd, waitErr)
		return Result{Outcome: Timeout, Output: output.String()}, nil

	case err := <-waitErr:
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code := exitErr.ExitCode()
				r.logger.Warn("command exited with non-zero status", "exit_code", code)
				return Result{Outcome: Failure, ExitCode: code, Output: output.String()}, nil
			}
			return Result{}, fmt.Errorf("wait for process: %w", err)
		}
		return Result{Outcome: Success, Output: output.String()}, nil
	}
}

// terminate stops the running process: SIGTERM, a grace period, then SIGKILL.
// It returns once the process has exited.
func (r *ExecRunner) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			r.logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		r.logger.Info("command exited after SIGTERM")
	case <-grace.C:
		r.logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				r.logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr // Wait for process to die
	}
}
