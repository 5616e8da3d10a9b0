// Package collab holds the default implementations of the dispatcher's
// external collaborators: where tasks come from, where side effects land, and
// who hears about escalations. All of them are swappable interfaces; these
// are the file-backed versions the CLI wires up.
package collab

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomgreer/redrive/internal/dispatch"
)

// FileSource reads candidate tasks from a YAML manifest maintained by an
// external discovery process.
type FileSource struct {
	path string
}

var _ dispatch.Source = (*FileSource)(nil)

type taskManifest struct {
	Tasks []manifestEntry `yaml:"tasks"`
}

type manifestEntry struct {
	ID           string    `yaml:"id"`
	Revision     string    `yaml:"revision"`
	LastActivity time.Time `yaml:"last_activity"`
	Ready        bool      `yaml:"ready"`
}

func NewFileSource(path string) (*FileSource, error) {
	if path == "" {
		return nil, fmt.Errorf("task source path is empty")
	}
	return &FileSource{path: path}, nil
}

// List returns ready tasks with activity after since, oldest-first.
func (s *FileSource) List(ctx context.Context, since time.Time) ([]dispatch.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read task manifest: %w", err)
	}

	var manifest taskManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse task manifest: %w", err)
	}

	var tasks []dispatch.Task
	for _, e := range manifest.Tasks {
		if e.ID == "" {
			continue
		}
		if !e.Ready || e.LastActivity.Before(since) {
			continue
		}
		tasks = append(tasks, dispatch.Task{
			ID:           e.ID,
			Revision:     e.Revision,
			LastActivity: e.LastActivity,
			Ready:        e.Ready,
		})
	}
	return tasks, nil
}
