package loopmerge

import (
	"context"
	"os/exec"
	"strings"
)

// Worktree is a single entry from `git worktree list --porcelain`.
type Worktree struct {
	Path   string
	Branch string
}

// WorktreeLister enumerates the git worktrees ralph manages (branches under
// the "ralph/" namespace, one per loop).
type WorktreeLister interface {
	List(ctx context.Context, workspaceRoot string) ([]Worktree, error)
}

// GitWorktreeLister shells out to `git worktree list --porcelain`.
type GitWorktreeLister struct{}

func (GitWorktreeLister) List(ctx context.Context, workspaceRoot string) ([]Worktree, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = workspaceRoot
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return parseWorktreePorcelain(string(output)), nil
}

func parseWorktreePorcelain(output string) []Worktree {
	var (
		worktrees []Worktree
		current   Worktree
	)
	flush := func() {
		if current.Path != "" {
			worktrees = append(worktrees, current)
		}
		current = Worktree{}
	}
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return worktrees
}

// removeWorktree detaches and deletes the worktree at path.
func removeWorktree(ctx context.Context, workspaceRoot, path string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = workspaceRoot
	return cmd.Run()
}

// findWorktreePathForLoop finds the worktree whose branch is "ralph/<loopID>".
func findWorktreePathForLoop(ctx context.Context, lister WorktreeLister, workspaceRoot, loopID string) (string, bool, error) {
	worktrees, err := lister.List(ctx, workspaceRoot)
	if err != nil {
		return "", false, err
	}
	for _, w := range worktrees {
		if branchLoopID, ok := strings.CutPrefix(w.Branch, "ralph/"); ok && branchLoopID == loopID {
			return w.Path, true, nil
		}
	}
	return "", false, nil
}
