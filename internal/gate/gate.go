// Package gate prevents duplicate side effects for a task revision that was
// already handled by an earlier run.
package gate

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/tomgreer/redrive/internal/config"
	"github.com/tomgreer/redrive/internal/log"
)

// Action is one side effect keyed by task and idempotency marker. Perform
// implementations embed the marker in the produced artifact so later runs can
// detect it.
type Action struct {
	TaskID string
	Marker string
	Body   string
}

// Target is the external side-effect collaborator.
type Target interface {
	// HasMarker reports whether an artifact carrying marker already exists
	// for the task.
	HasMarker(ctx context.Context, taskID, marker string) (bool, error)

	// Perform applies the action, embedding its marker.
	Perform(ctx context.Context, a Action) error
}

// Marker derives the idempotency token for a task at a content revision.
func Marker(taskID, revision string) string {
	sum := blake3.Sum256([]byte(taskID + "\x00" + revision))
	return hex.EncodeToString(sum[:16])
}

// Gate runs side effects at most once per (task, revision).
type Gate struct {
	target Target
	policy config.IdempotencyPolicy
	logger *slog.Logger
}

func New(target Target, policy config.IdempotencyPolicy) *Gate {
	return &Gate{
		target: target,
		policy: policy,
		logger: log.WithComponent("gate"),
	}
}

// Run checks for an existing marker and performs the action if absent.
// performed=false with nil error means the effect already exists and the run
// counts as success.
//
// If the marker query itself fails, behavior follows the configured policy:
// PolicyProceed performs the action anyway (risking a duplicate effect),
// PolicyBlockTask returns the query error so the caller counts a failure. The
// default trades a possible duplicate for never leaving a task permanently
// stuck behind an unreachable target.
func (g *Gate) Run(ctx context.Context, taskID, revision, body string) (performed bool, err error) {
	marker := Marker(taskID, revision)

	present, err := g.target.HasMarker(ctx, taskID, marker)
	if err != nil {
		if g.policy == config.PolicyBlockTask {
			return false, fmt.Errorf("idempotency check for task %q: %w", taskID, err)
		}
		g.logger.Warn("idempotency check failed, proceeding per policy",
			"task_id", taskID, "error", err)
	} else if present {
		g.logger.Info("side effect already present, skipping",
			"task_id", taskID, "marker", marker)
		return false, nil
	}

	if err := g.target.Perform(ctx, Action{TaskID: taskID, Marker: marker, Body: body}); err != nil {
		return false, fmt.Errorf("perform action for task %q: %w", taskID, err)
	}
	return true, nil
}
