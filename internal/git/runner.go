package git

import (
	"context"
	"errors"
	"fmt"
	osexec "os/exec"
	"strings"

	"go.uber.org/multierr"

	"github.com/ShayCichocki/conductor/internal/exec"
)

// ExecRunner implements Runner by shelling out to the git binary.
type ExecRunner struct {
	repoPath string
	cmd      exec.CommandRunner
	identity []string
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithCommandRunner replaces the process runner, mainly for tests.
func WithCommandRunner(cmd exec.CommandRunner) Option {
	return func(r *ExecRunner) {
		r.cmd = cmd
	}
}

// WithIdentity sets the author used for commits made by conductor.
func WithIdentity(name, email string) Option {
	return func(r *ExecRunner) {
		r.identity = []string{"-c", "user.name=" + name, "-c", "user.email=" + email}
	}
}

// NewRunner creates a new git runner for the repository at the given path.
func NewRunner(repoPath string, opts ...Option) *ExecRunner {
	r := &ExecRunner{repoPath: repoPath, cmd: exec.NewRunner()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RepoPath returns the repository the runner operates on.
func (r *ExecRunner) RepoPath() string {
	return r.repoPath
}

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	full := append(append([]string(nil), r.identity...), args...)
	out, err := r.cmd.Run(ctx, r.repoPath, "git", full...)
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// CreateBranch creates name pointing at base without switching to it.
func (r *ExecRunner) CreateBranch(ctx context.Context, name, base string) error {
	args := []string{"branch", name}
	if base != "" {
		args = append(args, base)
	}
	_, err := r.run(ctx, args...)
	return err
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(ctx context.Context, name string) error {
	_, err := r.run(ctx, "checkout", name)
	return err
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := r.cmd.Run(ctx, r.repoPath, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		// Exit code 1 means the branch doesn't exist.
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// DeleteBranch deletes the specified branch (force delete).
func (r *ExecRunner) DeleteBranch(ctx context.Context, name string) error {
	_, err := r.run(ctx, "branch", "-D", name)
	return err
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CommitAll stages everything and commits, allowing an empty commit.
func (r *ExecRunner) CommitAll(ctx context.Context, message string) error {
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return err
	}
	return r.Commit(ctx, message)
}

// Commit commits what is staged, allowing an empty commit.
func (r *ExecRunner) Commit(ctx context.Context, message string) error {
	_, err := r.run(ctx, "commit", "--allow-empty", "-m", message)
	return err
}

// MergeSquash runs git merge --squash for branch.
func (r *ExecRunner) MergeSquash(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "merge", "--squash", branch)
	return err
}

// AbortMerge discards an in-progress merge. A squash merge leaves no
// MERGE_HEAD, so git merge --abort fails there and reset --merge is used.
func (r *ExecRunner) AbortMerge(ctx context.Context) error {
	abortErr := func() error {
		_, err := r.run(ctx, "merge", "--abort")
		return err
	}()
	if abortErr == nil {
		return nil
	}
	if _, err := r.run(ctx, "reset", "--merge"); err != nil {
		return multierr.Append(abortErr, err)
	}
	return nil
}

// HasConflicts returns true if there are unmerged paths.
func (r *ExecRunner) HasConflicts(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
