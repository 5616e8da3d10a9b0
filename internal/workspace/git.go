package workspace

import (
	"context"
	"fmt"
	"os/exec"
)

// GitMaterializer populates workspaces with a shallow fetch of the task's
// revision from a single remote.
type GitMaterializer struct {
	Remote string
}

var _ Materializer = (*GitMaterializer)(nil)

func NewGitMaterializer(remote string) (*GitMaterializer, error) {
	if remote == "" {
		return nil, fmt.Errorf("git remote is empty")
	}
	return &GitMaterializer{Remote: remote}, nil
}

// Materialize shallow-clones the remote into dir and checks out the task's
// revision. The clone stays at depth 1; history is never needed for a single
// review pass.
func (g *GitMaterializer) Materialize(ctx context.Context, taskID, revision, dir string) error {
	if out, err := g.git(ctx, dir, "clone", "--depth", "1", g.Remote, "."); err != nil {
		return fmt.Errorf("shallow clone for task %q: %w\n%s", taskID, err, out)
	}

	if revision == "" {
		return nil
	}

	if out, err := g.git(ctx, dir, "fetch", "--depth", "1", "origin", revision); err != nil {
		return fmt.Errorf("fetch revision %q for task %q: %w\n%s", revision, taskID, err, out)
	}
	if out, err := g.git(ctx, dir, "checkout", "--detach", "FETCH_HEAD"); err != nil {
		return fmt.Errorf("checkout revision %q for task %q: %w\n%s", revision, taskID, err, out)
	}
	return nil
}

func (g *GitMaterializer) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
