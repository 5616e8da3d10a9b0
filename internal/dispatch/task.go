package dispatch

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_collab.go -package=mocks github.com/tomgreer/redrive/internal/dispatch Source,Notifier

// Task is one unit of external work (e.g., a review request). It is owned by
// the task source; this subsystem only reads it.
type Task struct {
	ID           string
	Revision     string
	LastActivity time.Time
	Ready        bool
}

// Source enumerates candidate tasks with activity after since. Implementations
// talk to the external task discovery API; not-ready tasks may still appear
// and are filtered here.
type Source interface {
	List(ctx context.Context, since time.Time) ([]Task, error)
}

// Notifier is invoked when a task exhausts its retry budget.
type Notifier interface {
	Escalate(ctx context.Context, taskID, reason string, attempts int) error
}

// State tracks a task through one batch run.
type State string

const (
	StatePending   State = "pending"
	StateAdmitted  State = "admitted"
	StateExecuting State = "executing"
	StateSucceeded State = "succeeded"
	StateRetrying  State = "retrying"
	StateEscalated State = "escalated"
)

// Summary is the aggregate result of one batch run.
type Summary struct {
	Admitted        int
	Succeeded       int
	Retried         int
	TimedOut        int
	Escalated       int
	SkippedCooldown int
	SkippedBatchCap int
}
