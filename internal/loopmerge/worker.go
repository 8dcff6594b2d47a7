package loopmerge

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// ExternalWorker is the opaque "ralph" command the loop-merge domain
// invokes for loop processing and retries. The only contract: exit status
// 0 means success; stdout/stderr are logged by the caller; the working
// directory is the workspace root.
type ExternalWorker interface {
	Invoke(ctx context.Context, workingDir string, args ...string) error
}

// CommandWorker shells out to a configured binary.
type CommandWorker struct {
	Command string
}

// NewCommandWorker constructs a CommandWorker invoking command.
func NewCommandWorker(command string) *CommandWorker {
	return &CommandWorker{Command: command}
}

func (w *CommandWorker) Invoke(ctx context.Context, workingDir string, args ...string) error {
	cmd := exec.CommandContext(ctx, w.Command, args...)
	cmd.Dir = workingDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("'%s %s' failed: %w (output: %s)", w.Command, strings.Join(args, " "), err, output)
	}
	return nil
}

// invokeWithRetry wraps a single worker invocation in a bounded exponential
// backoff (at most 2 retries) for failures to start the worker process. A
// worker that ran and exited non-zero is not retried.
func invokeWithRetry(ctx context.Context, worker ExternalWorker, workingDir string, args ...string) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(func() error {
		err := worker.Invoke(ctx, workingDir, args...)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// currentCommit returns the short HEAD sha of workspaceRoot's git repo, or
// "manual" if git is unavailable or the repo has no commits.
func currentCommit(ctx context.Context, workspaceRoot string) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--short", "HEAD")
	cmd.Dir = workspaceRoot
	output, err := cmd.Output()
	if err != nil {
		return "manual"
	}
	sha := strings.TrimSpace(string(output))
	if sha == "" {
		return "manual"
	}
	return sha
}
