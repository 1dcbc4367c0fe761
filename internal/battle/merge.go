package battle

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// MergeOutcome is the result of squash-merging one branch.
type MergeOutcome struct {
	Source  string `json:"source"`
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// FinalizeReport describes a FinalizeBattle call.
type FinalizeReport struct {
	JobID   string         `json:"job_id"`
	Target  string         `json:"target"`
	Merges  []MergeOutcome `json:"merges"`
	Deleted []string       `json:"deleted,omitempty"`
}

// Success reports whether every staging merge succeeded.
func (r FinalizeReport) Success() bool {
	for _, m := range r.Merges {
		if !m.Success {
			return false
		}
	}
	return true
}

// squashMerge collapses source into one commit on target. On failure the
// merge is aborted so neither branch keeps partial state. Callers hold gitMu.
func (o *Orchestrator) squashMerge(ctx context.Context, source, target string) error {
	if err := o.git.CheckoutBranch(ctx, target); err != nil {
		return fmt.Errorf("checkout %s: %w", target, err)
	}
	if err := o.git.MergeSquash(ctx, source); err != nil {
		return multierr.Append(fmt.Errorf("squash %s into %s: %w", source, target, err), o.git.AbortMerge(ctx))
	}
	msg := fmt.Sprintf("[conductor] Merge %s into %s", source, target)
	if err := o.git.Commit(ctx, msg); err != nil {
		return multierr.Append(fmt.Errorf("commit squash of %s: %w", source, err), o.git.AbortMerge(ctx))
	}
	return nil
}

func (o *Orchestrator) branchesOf(s *models.BattleSession, dev, staging string) (*models.Branch, *models.Branch, error) {
	d := s.Branch(dev)
	if d == nil || d.Kind != models.BranchKindDev {
		return nil, nil, fmt.Errorf("%w: dev %s", ErrUnknownBranch, dev)
	}
	st := s.Branch(staging)
	if st == nil || st.Kind != models.BranchKindStaging {
		return nil, nil, fmt.Errorf("%w: staging %s", ErrUnknownBranch, staging)
	}
	return d, st, nil
}

// PromoteDevToStaging squash-merges a finished dev branch into a staging
// branch. It returns an error when the branches are unknown or the dev
// branch failed or has incomplete subtasks. A failed test gate or merge returns
// false with both branches and their statuses unchanged.
func (o *Orchestrator) PromoteDevToStaging(ctx context.Context, jobID, dev, staging string, requireTests bool) (bool, error) {
	o.mu.Lock()
	s, err := o.sessionLocked(jobID)
	if err != nil {
		o.mu.Unlock()
		return false, err
	}
	d, _, err := o.branchesOf(s, dev, staging)
	if err != nil {
		o.mu.Unlock()
		return false, err
	}
	if d.Status == models.BranchStatusFailed {
		o.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrBranchFailed, dev)
	}
	incomplete := 0
	for _, id := range s.Assignment[dev] {
		if s.SubtaskStatus[id] != models.SubtaskStatusCompleted {
			incomplete++
		}
	}
	base := s.BaseBranch
	o.mu.Unlock()

	if incomplete > 0 {
		return false, fmt.Errorf("%w: %s has %d", ErrIncompleteSubtasks, dev, incomplete)
	}
	if requireTests && o.opts.gate == nil {
		return false, ErrNoTestGate
	}

	log := o.opts.logger.With(zap.String("job", jobID), zap.String("dev", dev), zap.String("staging", staging))

	o.gitMu.Lock()
	if requireTests {
		if err := o.runGate(ctx, dev); err != nil {
			o.restore(ctx, base)
			o.gitMu.Unlock()
			o.opts.metrics.Merges.WithLabelValues("promote", "tests_failed").Inc()
			log.Warn("test gate failed, promotion skipped", zap.Error(err))
			return false, nil
		}
	}
	mergeErr := o.squashMerge(ctx, dev, staging)
	o.restore(ctx, base)
	o.gitMu.Unlock()

	if mergeErr != nil {
		o.opts.metrics.Merges.WithLabelValues("promote", "failed").Inc()
		log.Warn("promotion failed", zap.Error(mergeErr))
		return false, nil
	}

	o.mu.Lock()
	d, st, _ := o.branchesOf(s, dev, staging)
	d.Status = models.BranchStatusMerged
	st.Status = models.BranchStatusPopulated
	st.MergedFrom = append(st.MergedFrom, dev)
	snapshot := cloneSession(s)
	o.mu.Unlock()

	o.opts.metrics.Merges.WithLabelValues("promote", "success").Inc()
	log.Info("promoted dev branch")
	o.persist(ctx, snapshot)
	return true, nil
}

func (o *Orchestrator) runGate(ctx context.Context, branch string) error {
	if err := o.git.CheckoutBranch(ctx, branch); err != nil {
		return fmt.Errorf("checkout %s for tests: %w", branch, err)
	}
	return o.opts.gate.Check(ctx, o.git.RepoPath(), branch)
}

// restore puts the working tree back on base. Failures are only logged;
// the next command sequence checks out its own branch first.
func (o *Orchestrator) restore(ctx context.Context, base string) {
	if err := o.git.CheckoutBranch(ctx, base); err != nil {
		o.opts.logger.Warn("failed to return to base branch", zap.String("base", base), zap.Error(err))
	}
}

// FinalizeBattle squash-merges every populated staging branch into
// targetBranch, which defaults to the session's base branch. Merge failures
// are reported per branch in the report. With branch deletion enabled,
// merged branches are removed afterwards; deletion failures are returned.
func (o *Orchestrator) FinalizeBattle(ctx context.Context, jobID, targetBranch string) (FinalizeReport, error) {
	o.mu.Lock()
	s, err := o.sessionLocked(jobID)
	if err != nil {
		o.mu.Unlock()
		return FinalizeReport{}, err
	}
	if targetBranch == "" {
		targetBranch = s.BaseBranch
	}
	var sources []string
	for _, b := range s.StagingBranches {
		if b.Status == models.BranchStatusPopulated {
			sources = append(sources, b.Name)
		}
	}
	o.mu.Unlock()

	report := FinalizeReport{JobID: jobID, Target: targetBranch}

	o.gitMu.Lock()
	for _, src := range sources {
		outcome := MergeOutcome{Source: src, Target: targetBranch, Success: true}
		if err := o.squashMerge(ctx, src, targetBranch); err != nil {
			outcome.Success = false
			outcome.Error = err.Error()
			o.opts.metrics.Merges.WithLabelValues("finalize", "failed").Inc()
			o.opts.logger.Warn("staging merge failed", zap.String("job", jobID), zap.String("staging", src), zap.Error(err))
		} else {
			o.opts.metrics.Merges.WithLabelValues("finalize", "success").Inc()
			o.mu.Lock()
			s.Branch(src).Status = models.BranchStatusMerged
			o.mu.Unlock()
		}
		report.Merges = append(report.Merges, outcome)
	}
	o.gitMu.Unlock()

	o.mu.Lock()
	now := o.opts.clock.Now()
	s.FinalizedAt = &now
	o.mu.Unlock()

	var cleanupErr error
	if o.opts.deleteAfter {
		report.Deleted, cleanupErr = o.deleteBranches(ctx, jobID, func(b *models.Branch) bool {
			return b.Status == models.BranchStatusMerged
		})
	}

	o.mu.Lock()
	snapshot := cloneSession(s)
	o.mu.Unlock()
	o.persist(ctx, snapshot)

	o.opts.logger.Info("battle finalized",
		zap.String("job", jobID),
		zap.String("target", targetBranch),
		zap.Int("merges", len(report.Merges)),
		zap.Bool("success", report.Success()),
		zap.Int("deleted", len(report.Deleted)))
	return report, cleanupErr
}

// CleanupBranches deletes every dev and staging branch of the job. Each
// deletion is attempted; failures are combined in the returned error.
func (o *Orchestrator) CleanupBranches(ctx context.Context, jobID string) ([]string, error) {
	return o.deleteBranches(ctx, jobID, func(*models.Branch) bool { return true })
}

func (o *Orchestrator) deleteBranches(ctx context.Context, jobID string, keep func(*models.Branch) bool) ([]string, error) {
	o.mu.Lock()
	s, err := o.sessionLocked(jobID)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	base := s.BaseBranch
	var names []string
	for _, b := range append(append([]*models.Branch{}, s.DevBranches...), s.StagingBranches...) {
		if keep(b) {
			names = append(names, b.Name)
		}
	}
	o.mu.Unlock()

	o.gitMu.Lock()
	defer o.gitMu.Unlock()

	if err := o.git.CheckoutBranch(ctx, base); err != nil {
		return nil, fmt.Errorf("checkout %s before cleanup: %w", base, err)
	}
	var deleted []string
	var errs error
	for _, name := range names {
		if err := o.git.DeleteBranch(ctx, name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	o.opts.logger.Info("battle branches deleted", zap.String("job", jobID), zap.Int("deleted", len(deleted)), zap.Error(errs))
	return deleted, errs
}
