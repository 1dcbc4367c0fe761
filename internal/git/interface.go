// Package git provides the narrow set of git operations used to create,
// merge and clean up battle branches.
package git

import "context"

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch(ctx context.Context) (string, error)
	// CreateBranch creates name pointing at base without switching to it.
	CreateBranch(ctx context.Context, name, base string) error
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(ctx context.Context, name string) error
	// BranchExists returns true if the branch exists.
	BranchExists(ctx context.Context, name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(ctx context.Context, name string) error
}

// CommitOperations defines the interface for git commit operations.
type CommitOperations interface {
	// HasChanges returns true if there are uncommitted changes.
	HasChanges(ctx context.Context) (bool, error)
	// CommitAll stages everything and commits, allowing an empty commit.
	CommitAll(ctx context.Context, message string) error
	// Commit commits what is staged, allowing an empty commit.
	Commit(ctx context.Context, message string) error
}

// MergeOperations defines the interface for git merge operations.
type MergeOperations interface {
	// MergeSquash stages the changes of branch on top of the current branch
	// without committing (git merge --squash).
	MergeSquash(ctx context.Context, branch string) error
	// AbortMerge discards an in-progress merge, squash merges included.
	AbortMerge(ctx context.Context) error
	// HasConflicts returns true if there are unmerged paths.
	HasConflicts(ctx context.Context) (bool, error)
}

// Runner defines the complete interface for git operations.
// Consumers should prefer using focused interfaces when possible.
type Runner interface {
	BranchOperations
	CommitOperations
	MergeOperations
	// RepoPath returns the repository the runner operates on.
	RepoPath() string
}
