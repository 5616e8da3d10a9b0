// Package workspace manages isolated per-task working directories. A
// workspace is exclusively owned by one task execution: acquired before the
// command runs, released exactly once on every exit path afterwards.
package workspace

import (
	"context"
	"time"
)

// Workspace is a task-scoped scratch directory.
type Workspace struct {
	TaskID string
	Dir    string
}

// CleanupReport summarizes a stale-workspace sweep.
type CleanupReport struct {
	DeletedDirs int
}

// Materializer populates a freshly created workspace directory with the
// task's content. Implementations may block on network I/O; callers bound
// them with a context deadline.
type Materializer interface {
	Materialize(ctx context.Context, taskID, revision, dir string) error
}

// Manager governs workspace lifecycle.
type Manager interface {
	// Acquire creates a fresh isolated directory for taskID and materializes
	// the task's content into it. On materialization failure the directory is
	// removed and an error returned; the caller classifies that as an
	// execution failure, never a timeout.
	Acquire(ctx context.Context, taskID, revision string) (Workspace, error)

	// Release recursively removes the workspace. Must be invoked exactly once
	// per successful Acquire.
	Release(ws Workspace) error

	// Cleanup removes workspaces older than olderThan, left behind by
	// crashed invocations.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
