package dispatch

import "errors"

// Per-task error taxonomy. Everything here is caught and classified inside
// the batch loop; none of it aborts the batch. The only fatal condition is a
// state store whose lock cannot be acquired at all, which surfaces as a plain
// error from Run before any task is processed.
var (
	// ErrExecutionFailure marks outcomes that consume retry budget.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrWorkspaceAcquisition marks a failed workspace acquire. It is
	// classified exactly like an execution failure.
	ErrWorkspaceAcquisition = errors.New("workspace acquisition failure")
)
