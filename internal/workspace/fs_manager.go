package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// fsManager manages per-task workspace directories on local disk.
type fsManager struct {
	baseDir string
	mat     Materializer
	now     func() time.Time
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
// The base directory is validated against a deny-list of dangerous roots up
// front, before any destructive cleanup could run against it. mat may be nil,
// in which case acquired workspaces start empty.
func NewFSManager(baseDir string, mat Materializer) (*fsManager, error) {
	cleaned, err := validateBaseDir(baseDir)
	if err != nil {
		return nil, err
	}

	return &fsManager{
		baseDir: cleaned,
		mat:     mat,
		now:     time.Now,
	}, nil
}

// Acquire creates an isolated directory for taskID and materializes content
// into it. The directory name carries a random suffix so overlapping batch
// invocations never collide on the same task.
func (m *fsManager) Acquire(ctx context.Context, taskID, revision string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	if err := validateTaskID(taskID); err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	dir := filepath.Join(m.baseDir, taskID+"-"+uuid.NewString()[:8])
	if err := os.Mkdir(dir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for task %q: %w", taskID, err)
	}

	if m.mat != nil {
		if err := m.mat.Materialize(ctx, taskID, revision, dir); err != nil {
			_ = os.RemoveAll(dir)
			return Workspace{}, fmt.Errorf("materialize workspace for task %q: %w", taskID, err)
		}
	}

	return Workspace{TaskID: taskID, Dir: dir}, nil
}

// Release recursively removes the workspace directory. The path is re-checked
// against the deny-list and must live under the manager's base directory;
// both checks run before the destructive removal.
func (m *fsManager) Release(ws Workspace) error {
	if _, err := validateBaseDir(ws.Dir); err != nil {
		return fmt.Errorf("refusing to remove workspace: %w", err)
	}
	rel, err := filepath.Rel(m.baseDir, ws.Dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove workspace outside base directory: %q", ws.Dir)
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("remove workspace for task %q: %w", ws.TaskID, err)
	}
	return nil
}

// Cleanup removes workspace directories older than olderThan based on
// directory modification time.
func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

// validateBaseDir rejects paths where a recursive remove would be
// catastrophic: empty paths, the filesystem root, and the current directory.
func validateBaseDir(dir string) (string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return "", fmt.Errorf("workspace directory is empty")
	}
	cleaned := filepath.Clean(trimmed)
	if cleaned == "/" || cleaned == "." || cleaned == string(filepath.Separator) {
		return "", fmt.Errorf("workspace directory %q is not allowed", dir)
	}
	if abs, err := filepath.Abs(cleaned); err == nil && abs == "/" {
		return "", fmt.Errorf("workspace directory %q resolves to filesystem root", dir)
	}
	return cleaned, nil
}

func validateTaskID(taskID string) error {
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return fmt.Errorf("taskID is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("taskID %q is invalid", taskID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("taskID %q must not contain path separators", taskID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("taskID %q is invalid", taskID)
	}
	return nil
}
