package collab

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tomgreer/redrive/internal/gate"
)

// markerHeader prefixes the idempotency marker embedded in every artifact, so
// later runs can detect an already-performed effect by scanning headers.
const markerHeader = "X-Redrive-Marker: "

// FileTarget lands side effects as artifact files in a directory, one per
// performed action, with the marker embedded in the first line.
type FileTarget struct {
	dir string
}

var _ gate.Target = (*FileTarget)(nil)

func NewFileTarget(dir string) (*FileTarget, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &FileTarget{dir: dir}, nil
}

// HasMarker scans the task's existing artifacts for the marker.
func (t *FileTarget) HasMarker(ctx context.Context, taskID, marker string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	pattern := filepath.Join(t.dir, taskID+"-*.txt")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return false, fmt.Errorf("scan artifacts for task %q: %w", taskID, err)
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return false, fmt.Errorf("read artifact %q: %w", path, err)
		}
		firstLine, _, _ := strings.Cut(string(data), "\n")
		if firstLine == markerHeader+marker {
			return true, nil
		}
	}
	return false, nil
}

// Perform writes the artifact with its marker header. The marker is persisted
// as part of the action itself, not as a separate step.
func (t *FileTarget) Perform(ctx context.Context, a gate.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Marker == "" {
		return fmt.Errorf("action for task %q has no marker", a.TaskID)
	}
	// The filename only needs a short disambiguator; the full marker lives in
	// the header line.
	suffix := a.Marker
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	path := filepath.Join(t.dir, fmt.Sprintf("%s-%s.txt", a.TaskID, suffix))
	body := markerHeader + a.Marker + "\n\n" + a.Body
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write artifact for task %q: %w", a.TaskID, err)
	}
	return nil
}
