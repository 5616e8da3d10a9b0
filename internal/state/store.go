// Package state persists the retry/processed bookkeeping that survives across
// batch invocations: one attempt counter and one last-processed timestamp per
// task. Mutations are atomic with respect to concurrent invocations; the file
// backend uses an exclusive flock held only for the read-modify-write, the
// sqlite backend relies on transactions.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/tomgreer/redrive/internal/config"
)

// Store is the persisted attempt/processed bookkeeping.
//
// Attempt counts track consecutive non-success, non-timeout outcomes; they
// reset on success or escalation. Timeouts are compensated by the caller via
// DecrementAttempts and never durably consume budget.
type Store interface {
	// Attempts returns the current attempt count for id, defaulting to 0.
	Attempts(ctx context.Context, id string) (int, error)

	// IncrementAttempts adds one to id's attempt count and returns the new value.
	IncrementAttempts(ctx context.Context, id string) (int, error)

	// DecrementAttempts subtracts one from id's attempt count, floored at 0,
	// and returns the new value.
	DecrementAttempts(ctx context.Context, id string) (int, error)

	// ResetAttempts sets id's attempt count back to 0.
	ResetAttempts(ctx context.Context, id string) error

	// RecordProcessed stores ts as id's last successful processing time.
	RecordProcessed(ctx context.Context, id string, ts time.Time) error

	// LastProcessed returns id's last successful processing time, or ok=false
	// if id has never been processed.
	LastProcessed(ctx context.Context, id string) (time.Time, bool, error)

	Close() error
}

// Open constructs the configured Store backend.
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case "file":
		return OpenFileStore(cfg.Path)
	case "sqlite":
		return OpenSQLiteStore(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
