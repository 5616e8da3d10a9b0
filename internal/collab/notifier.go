package collab

import (
	"context"

	"github.com/tomgreer/redrive/internal/dispatch"
	"github.com/tomgreer/redrive/internal/log"
)

// LogNotifier records escalations in the structured log. Actual delivery
// (mail, chat) belongs to an external collaborator behind the same interface.
type LogNotifier struct{}

var _ dispatch.Notifier = (*LogNotifier)(nil)

func (LogNotifier) Escalate(ctx context.Context, taskID, reason string, attempts int) error {
	log.WithComponent("notifier").Warn("task escalated",
		"task_id", taskID, "reason", reason, "attempts", attempts)
	return nil
}
