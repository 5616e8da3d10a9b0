// Package dispatch runs one bounded batch over the current set of external
// tasks: admission gates, optimistic attempt accounting with timeout
// compensation, per-task workspaces, and the idempotent side-effect gate.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tomgreer/redrive/internal/command"
	"github.com/tomgreer/redrive/internal/config"
	"github.com/tomgreer/redrive/internal/events"
	"github.com/tomgreer/redrive/internal/gate"
	"github.com/tomgreer/redrive/internal/log"
	"github.com/tomgreer/redrive/internal/state"
	"github.com/tomgreer/redrive/internal/workspace"
)

// Dispatcher composes the store, runner, workspace manager, and gate into the
// per-batch task state machine. Tasks within a batch run sequentially; the
// store's cross-process lock is the only coordination with overlapping
// invocations.
type Dispatcher struct {
	cfg        config.DispatchConfig
	store      state.Store
	runner     command.Runner
	workspaces workspace.Manager
	gate       *gate.Gate
	source     Source
	notifier   Notifier
	hub        *events.Hub
	logger     *slog.Logger
	out        io.Writer
	now        func() time.Time
}

// New creates a Dispatcher. hub may be nil when no observer is attached.
func New(
	cfg config.DispatchConfig,
	st state.Store,
	runner command.Runner,
	ws workspace.Manager,
	g *gate.Gate,
	src Source,
	notifier Notifier,
	hub *events.Hub,
) *Dispatcher {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Dispatcher{
		cfg:        cfg,
		store:      st,
		runner:     runner,
		workspaces: ws,
		gate:       g,
		source:     src,
		notifier:   notifier,
		hub:        hub,
		logger:     log.WithComponent("dispatch"),
		out:        os.Stdout,
		now:        time.Now,
	}
}

// SetOutput redirects the per-task status lines and summary line.
func (d *Dispatcher) SetOutput(w io.Writer) { d.out = w }

// SetClock overrides the time source. Gate checks and processed timestamps
// both go through it, so cooldown boundaries are testable.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Run executes one batch. Per-task errors are classified and recorded but
// never abort the loop; a returned error means the batch itself could not
// run (discovery failed, or the state store is unusable).
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	since := d.now().Add(-d.cfg.ActivityWindow)
	tasks, err := d.source.List(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("discover tasks: %w", err)
	}
	d.logger.Info("batch started", "candidates", len(tasks))

	var summary Summary
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if !t.Ready {
			continue
		}

		taskLogger := log.WithTask(t.ID)

		// Cooldown gate: recently processed tasks stay pending this run.
		last, processed, err := d.store.LastProcessed(ctx, t.ID)
		if err != nil {
			return summary, fmt.Errorf("state store unusable: %w", err)
		}
		if processed && d.now().Sub(last) < d.cfg.CooldownWindow {
			summary.SkippedCooldown++
			d.report(StatePending, t.ID, "cooldown")
			d.hub.Publish(events.TypeTaskSkipped, map[string]any{"task_id": t.ID, "reason": "cooldown"})
			continue
		}

		// Batch-size gate: the rest defers to the next invocation.
		if summary.Admitted >= d.cfg.BatchSizeCap {
			summary.SkippedBatchCap++
			d.report(StatePending, t.ID, "batch cap")
			d.hub.Publish(events.TypeTaskSkipped, map[string]any{"task_id": t.ID, "reason": "batch_cap"})
			continue
		}
		summary.Admitted++
		d.hub.Publish(events.TypeTaskAdmitted, map[string]any{"task_id": t.ID})

		// Attempt-budget gate: escalate, then reset so the task is eligible
		// again on its next natural trigger rather than stuck forever.
		attempts, err := d.store.Attempts(ctx, t.ID)
		if err != nil {
			return summary, fmt.Errorf("state store unusable: %w", err)
		}
		if attempts >= d.cfg.MaxAttempts {
			reason := fmt.Sprintf("retry budget exhausted after %d attempts", attempts)
			if err := d.notifier.Escalate(ctx, t.ID, reason, attempts); err != nil {
				taskLogger.Error("escalation notification failed", "error", err)
			}
			if err := d.store.ResetAttempts(ctx, t.ID); err != nil {
				return summary, fmt.Errorf("state store unusable: %w", err)
			}
			summary.Escalated++
			d.report(StateEscalated, t.ID, reason)
			d.publishOutcome(t.ID, StateEscalated, reason)
			continue
		}

		st, reason, err := d.executeTask(ctx, t, taskLogger)
		if err != nil {
			return summary, err
		}
		switch st {
		case StateSucceeded:
			summary.Succeeded++
		case StateRetrying:
			summary.Retried++
		case StatePending:
			summary.TimedOut++
		}
		d.report(st, t.ID, reason)
		d.publishOutcome(t.ID, st, reason)
	}

	fmt.Fprintln(d.out, renderSummary(summary))
	d.logger.Info("batch finished",
		"admitted", summary.Admitted,
		"succeeded", summary.Succeeded,
		"retried", summary.Retried,
		"timed_out", summary.TimedOut,
		"escalated", summary.Escalated,
		"skipped_cooldown", summary.SkippedCooldown,
		"skipped_batch_cap", summary.SkippedBatchCap,
	)
	return summary, nil
}

// executeTask drives one admitted task through Executing to its terminal
// state for this run. A returned error is batch-fatal (state store only);
// everything else is classified into the returned state.
func (d *Dispatcher) executeTask(ctx context.Context, t Task, taskLogger *slog.Logger) (State, string, error) {
	// Optimistic accounting: count the attempt before running so a crash
	// mid-execution still consumed budget.
	if _, err := d.store.IncrementAttempts(ctx, t.ID); err != nil {
		return "", "", fmt.Errorf("state store unusable: %w", err)
	}
	d.logger.Debug("task executing", "task_id", t.ID, "revision", t.Revision)

	outcome, detail := d.runInWorkspace(ctx, t, taskLogger)

	switch outcome {
	case command.Timeout:
		// Compensation: a timeout means "try again later", not a failed
		// attempt, so it must not consume retry budget.
		if _, err := d.store.DecrementAttempts(ctx, t.ID); err != nil {
			return "", "", fmt.Errorf("state store unusable: %w", err)
		}
		return StatePending, "timed out, requeued", nil

	case command.Failure:
		// Attempt stands; eligible again next run subject to the gates.
		return StateRetrying, detail, nil

	case command.Success:
		if err := d.store.RecordProcessed(ctx, t.ID, d.now()); err != nil {
			return "", "", fmt.Errorf("state store unusable: %w", err)
		}
		if err := d.store.ResetAttempts(ctx, t.ID); err != nil {
			return "", "", fmt.Errorf("state store unusable: %w", err)
		}
		return StateSucceeded, detail, nil

	default:
		return StateRetrying, fmt.Sprintf("unexpected outcome %v", outcome), nil
	}
}

// runInWorkspace acquires the task workspace, runs the command, and applies
// the idempotency gate. The workspace is released exactly once on every exit
// path. The returned outcome drives attempt accounting.
func (d *Dispatcher) runInWorkspace(ctx context.Context, t Task, taskLogger *slog.Logger) (command.Outcome, string) {
	taskCtx, cancel := context.WithTimeout(ctx, d.cfg.PerTaskTimeout)
	defer cancel()

	ws, err := d.workspaces.Acquire(taskCtx, t.ID, t.Revision)
	if err != nil {
		// Acquisition failures consume budget like any other failure; the
		// workspace manager already cleaned up after itself.
		taskLogger.Warn("workspace acquisition failed", "error", err)
		return command.Failure, fmt.Sprintf("%v: %v", ErrWorkspaceAcquisition, err)
	}
	defer func() {
		if err := d.workspaces.Release(ws); err != nil {
			taskLogger.Error("workspace release failed", "dir", ws.Dir, "error", err)
		}
	}()

	cmd := command.Command{
		Argv: d.cfg.Command,
		Dir:  ws.Dir,
		Env: append(os.Environ(),
			"REDRIVE_TASK_ID="+t.ID,
			"REDRIVE_REVISION="+t.Revision,
		),
	}

	res, err := d.runner.Run(taskCtx, cmd, d.cfg.PerTaskTimeout)
	if err != nil {
		taskLogger.Warn("command invocation failed", "error", err)
		return command.Failure, fmt.Sprintf("%v: %v", ErrExecutionFailure, err)
	}

	switch res.Outcome {
	case command.Timeout:
		return command.Timeout, "timed out"
	case command.Failure:
		return command.Failure, fmt.Sprintf("exit code %d", res.ExitCode)
	}

	// Side effect only after a successful run, and only through the gate.
	performed, err := d.gate.Run(taskCtx, t.ID, t.Revision, res.Output)
	if err != nil {
		taskLogger.Warn("side effect failed", "error", err)
		return command.Failure, fmt.Sprintf("%v: %v", ErrExecutionFailure, err)
	}
	if !performed {
		return command.Success, "already satisfied"
	}
	return command.Success, "completed"
}

func (d *Dispatcher) report(st State, taskID, reason string) {
	fmt.Fprintln(d.out, renderStatusLine(st, taskID, reason))
}

func (d *Dispatcher) publishOutcome(taskID string, st State, reason string) {
	d.hub.Publish(events.TypeTaskOutcome, map[string]any{
		"task_id": taskID,
		"state":   string(st),
		"reason":  reason,
	})
}
