package battle

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// WorkOnBranch checks out a dev branch, runs fn with the tree on that
// branch, commits whatever fn changed and returns to the base branch. The
// working tree is shared, so calls are serialized with every other git
// sequence of the orchestrator. An error from fn is returned after the
// commit and checkout are attempted, and an error from fn or the commit
// marks the branch failed. Otherwise the branch is marked populated.
func (o *Orchestrator) WorkOnBranch(ctx context.Context, jobID, branch string, fn func(ctx context.Context) error) error {
	o.mu.Lock()
	s, err := o.sessionLocked(jobID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	b := s.Branch(branch)
	if b == nil || b.Kind != models.BranchKindDev {
		o.mu.Unlock()
		return fmt.Errorf("%w: dev %s", ErrUnknownBranch, branch)
	}
	base := s.BaseBranch
	o.mu.Unlock()

	o.gitMu.Lock()
	defer o.gitMu.Unlock()

	if err := o.git.CheckoutBranch(ctx, branch); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}

	workErr := fn(ctx)

	msg := fmt.Sprintf("[conductor] %s: work on %s", jobID, branch)
	var errs error
	commitErr := o.git.CommitAll(ctx, msg)
	if commitErr != nil {
		errs = multierr.Append(errs, fmt.Errorf("commit %s: %w", branch, commitErr))
	}
	if err := o.git.CheckoutBranch(ctx, base); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("return to base %s: %w", base, err))
	}

	o.mu.Lock()
	if workErr != nil || commitErr != nil {
		b.Status = models.BranchStatusFailed
	} else {
		b.Status = models.BranchStatusPopulated
	}
	snapshot := cloneSession(s)
	o.mu.Unlock()
	o.persist(ctx, snapshot)

	if workErr != nil || errs != nil {
		o.opts.logger.Warn("branch work finished with errors",
			zap.String("job", jobID), zap.String("branch", branch),
			zap.NamedError("work", workErr), zap.Error(errs))
	}
	return multierr.Append(workErr, errs)
}
