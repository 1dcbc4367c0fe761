// Package battle partitions large jobs across git branches. Subtasks are
// spread over dev branches, finished dev branches are squash-merged into
// staging branches, and staging branches are squash-merged into the target.
package battle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/exec"
	"github.com/ShayCichocki/conductor/internal/git"
	"github.com/ShayCichocki/conductor/internal/metrics"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	// ErrSessionNotFound is returned for a job with no battle session.
	ErrSessionNotFound = errors.New("battle session not found")
	// ErrSessionExists is returned when a job already has a session.
	ErrSessionExists = errors.New("battle session already exists")
	// ErrUnknownBranch is returned for a branch outside the session.
	ErrUnknownBranch = errors.New("unknown battle branch")
	// ErrUnknownSubtask is returned by MarkSubtask for an unassigned subtask.
	ErrUnknownSubtask = errors.New("subtask not assigned in battle")
	// ErrIncompleteSubtasks is returned when promoting a dev branch whose
	// subtasks have not all completed.
	ErrIncompleteSubtasks = errors.New("dev branch has incomplete subtasks")
	// ErrBranchFailed is returned when promoting a dev branch whose work
	// failed.
	ErrBranchFailed = errors.New("dev branch failed")
	// ErrNoTestGate is returned when tests are required but no gate is set.
	ErrNoTestGate = errors.New("tests required but no test gate configured")
	// ErrInvalidBranchCount is returned for partitions with no dev or
	// staging branches.
	ErrInvalidBranchCount = errors.New("invalid branch count")
)

// Orchestrator owns the battle sessions of one repository.
type Orchestrator struct {
	git        git.Runner
	opts       orchestratorOptions
	strategies *Strategies

	// gitMu serializes command sequences on the shared working tree.
	gitMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*models.BattleSession
}

// New creates an Orchestrator.
func New(cfg RequiredConfig, opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxDev < o.minDev {
		o.maxDev = o.minDev
	}
	if o.metrics == nil {
		o.metrics = metrics.NewBattle(nil)
	}
	strategies := o.strategies
	if strategies == nil {
		strategies = DefaultStrategies(o.seed)
	}
	return &Orchestrator{
		git:        cfg.Git,
		opts:       o,
		strategies: strategies,
		sessions:   make(map[string]*models.BattleSession),
	}
}

// Strategies returns the assignment strategy registry.
func (o *Orchestrator) Strategies() *Strategies {
	return o.strategies
}

// IsLargeJob reports whether spec should run as a battle. Thresholds set on
// the spec override the configured ones.
func (o *Orchestrator) IsLargeJob(spec *models.TaskSpec, subtaskCount int) bool {
	if spec == nil {
		return false
	}
	if spec.Kind != "" && o.opts.worthyKinds[spec.Kind] {
		return true
	}
	t := o.opts.thresholds
	if spec.Thresholds != nil {
		if spec.Thresholds.MinSubtasks > 0 {
			t.MinSubtasks = spec.Thresholds.MinSubtasks
		}
		if spec.Thresholds.MinFiles > 0 {
			t.MinFiles = spec.Thresholds.MinFiles
		}
		if spec.Thresholds.MinComplexity > 0 {
			t.MinComplexity = spec.Thresholds.MinComplexity
		}
	}
	return subtaskCount >= t.MinSubtasks ||
		len(spec.Files) >= t.MinFiles ||
		spec.Complexity >= t.MinComplexity
}

// BranchCounts returns the dev and staging branch counts for n subtasks:
// ceil(sqrt(n)) dev branches clamped to the configured bounds.
func (o *Orchestrator) BranchCounts(n int) (dev, staging int) {
	dev = int(math.Ceil(math.Sqrt(float64(max(n, 1)))))
	dev = min(o.opts.maxDev, max(o.opts.minDev, dev))
	return dev, o.opts.staging
}

// BranchName expands the branch template.
func (o *Orchestrator) BranchName(jobID string, kind models.BranchKind, index int) string {
	return exec.Expand(o.opts.template, map[string]string{
		"jobId": jobID,
		"type":  string(kind),
		"index": strconv.Itoa(index),
	})
}

// StartPartition creates devCount dev and stagingCount staging branches off
// baseBranch and assigns subtasks to the dev branches. The working tree is
// left on baseBranch. Branches created before a failure are deleted again.
func (o *Orchestrator) StartPartition(ctx context.Context, jobID string, subtasks []*models.Subtask, devCount, stagingCount int, baseBranch string) (*models.BattleSession, error) {
	if devCount < 1 || stagingCount < 1 {
		return nil, fmt.Errorf("%w: %d dev, %d staging", ErrInvalidBranchCount, devCount, stagingCount)
	}
	if baseBranch == "" {
		baseBranch = o.opts.baseBranch
	}
	strategy, err := o.strategies.Get(o.opts.strategy)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if _, ok := o.sessions[jobID]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, jobID)
	}
	// reserve the job id while branches are created
	o.sessions[jobID] = nil
	o.mu.Unlock()

	session, err := o.createBranches(ctx, jobID, devCount, stagingCount, baseBranch)
	if err != nil {
		o.mu.Lock()
		delete(o.sessions, jobID)
		o.mu.Unlock()
		return nil, err
	}
	session.Strategy = strategy.Name()

	devNames := make([]string, len(session.DevBranches))
	for i, b := range session.DevBranches {
		devNames[i] = b.Name
	}
	session.Assignment = strategy.Assign(subtasks, devNames)
	for _, b := range session.DevBranches {
		b.Subtasks = session.Assignment[b.Name]
		if len(b.Subtasks) > 0 {
			b.Status = models.BranchStatusPopulated
		}
	}
	for _, st := range subtasks {
		status := st.Status
		if status == "" {
			status = models.SubtaskStatusPending
		}
		session.SubtaskStatus[st.ID] = status
	}

	o.mu.Lock()
	o.sessions[jobID] = session
	snapshot := cloneSession(session)
	o.mu.Unlock()

	o.opts.metrics.Sessions.Inc()
	o.opts.logger.Info("battle partition started",
		zap.String("job", jobID),
		zap.String("base", baseBranch),
		zap.String("strategy", strategy.Name()),
		zap.Int("subtasks", len(subtasks)),
		zap.Int("dev", devCount),
		zap.Int("staging", stagingCount))
	o.persist(ctx, snapshot)
	return snapshot, nil
}

func (o *Orchestrator) createBranches(ctx context.Context, jobID string, devCount, stagingCount int, base string) (*models.BattleSession, error) {
	o.gitMu.Lock()
	defer o.gitMu.Unlock()

	if err := o.git.CheckoutBranch(ctx, base); err != nil {
		return nil, fmt.Errorf("checkout base %s: %w", base, err)
	}

	session := &models.BattleSession{
		JobID:         jobID,
		BaseBranch:    base,
		SubtaskStatus: make(map[string]models.SubtaskStatus),
		StartedAt:     o.opts.clock.Now(),
	}
	var created []string
	create := func(kind models.BranchKind, index int) (*models.Branch, error) {
		name := o.BranchName(jobID, kind, index)
		if err := o.git.CreateBranch(ctx, name, base); err != nil {
			return nil, fmt.Errorf("create %s branch %s: %w", kind, name, err)
		}
		created = append(created, name)
		o.opts.metrics.Branches.WithLabelValues(string(kind)).Inc()
		return &models.Branch{Kind: kind, Index: index, Name: name, Status: models.BranchStatusCreated}, nil
	}

	var err error
	for i := 1; i <= devCount && err == nil; i++ {
		var b *models.Branch
		if b, err = create(models.BranchKindDev, i); err == nil {
			session.DevBranches = append(session.DevBranches, b)
		}
	}
	for i := 1; i <= stagingCount && err == nil; i++ {
		var b *models.Branch
		if b, err = create(models.BranchKindStaging, i); err == nil {
			session.StagingBranches = append(session.StagingBranches, b)
		}
	}
	if err != nil {
		for _, name := range created {
			err = multierr.Append(err, o.git.DeleteBranch(ctx, name))
		}
		return nil, err
	}

	if err := o.git.CheckoutBranch(ctx, base); err != nil {
		return nil, fmt.Errorf("return to base %s: %w", base, err)
	}
	return session, nil
}

// MarkSubtask records the status of an assigned subtask.
func (o *Orchestrator) MarkSubtask(jobID, subtaskID string, status models.SubtaskStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.sessionLocked(jobID)
	if err != nil {
		return err
	}
	if _, ok := s.SubtaskStatus[subtaskID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, subtaskID)
	}
	s.SubtaskStatus[subtaskID] = status
	return nil
}

// GetBattleStatus returns a progress snapshot of the job's branches.
func (o *Orchestrator) GetBattleStatus(jobID string) (models.BattleStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.sessionLocked(jobID)
	if err != nil {
		return models.BattleStatus{}, err
	}
	return StatusOf(s), nil
}

// StatusOf summarizes a session.
func StatusOf(s *models.BattleSession) models.BattleStatus {
	status := models.BattleStatus{
		JobID:      s.JobID,
		BaseBranch: s.BaseBranch,
		Finalized:  s.FinalizedAt != nil,
	}
	for _, b := range s.DevBranches {
		bp := models.BranchProgress{Name: b.Name, Kind: b.Kind, Status: b.Status, Assigned: len(b.Subtasks)}
		for _, id := range b.Subtasks {
			if s.SubtaskStatus[id] == models.SubtaskStatusCompleted {
				bp.Completed++
			}
		}
		if bp.Assigned > 0 {
			bp.Progress = float64(bp.Completed) / float64(bp.Assigned)
		}
		status.Branches = append(status.Branches, bp)
	}
	for _, b := range s.StagingBranches {
		status.Branches = append(status.Branches, models.BranchProgress{Name: b.Name, Kind: b.Kind, Status: b.Status})
	}
	status.Completed, status.Total = s.Progress()
	if status.Total > 0 {
		status.Progress = float64(status.Completed) / float64(status.Total)
	}
	return status
}

// Session returns a copy of the job's session.
func (o *Orchestrator) Session(jobID string) (*models.BattleSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.sessionLocked(jobID)
	if err != nil {
		return nil, err
	}
	return cloneSession(s), nil
}

// Sessions returns copies of all sessions ordered by job ID.
func (o *Orchestrator) Sessions() []*models.BattleSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*models.BattleSession, 0, len(o.sessions))
	for _, s := range o.sessions {
		if s != nil {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func (o *Orchestrator) sessionLocked(jobID string) (*models.BattleSession, error) {
	s := o.sessions[jobID]
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, jobID)
	}
	return s, nil
}

func (o *Orchestrator) persist(ctx context.Context, s *models.BattleSession) {
	if o.opts.store == nil {
		return
	}
	if err := o.opts.store.SaveBattleSession(ctx, s); err != nil {
		o.opts.logger.Warn("failed to persist battle session", zap.String("job", s.JobID), zap.Error(err))
	}
}

func cloneBranch(b *models.Branch) *models.Branch {
	c := *b
	c.Subtasks = slices.Clone(b.Subtasks)
	c.MergedFrom = slices.Clone(b.MergedFrom)
	return &c
}

func cloneSession(s *models.BattleSession) *models.BattleSession {
	c := *s
	c.DevBranches = make([]*models.Branch, len(s.DevBranches))
	for i, b := range s.DevBranches {
		c.DevBranches[i] = cloneBranch(b)
	}
	c.StagingBranches = make([]*models.Branch, len(s.StagingBranches))
	for i, b := range s.StagingBranches {
		c.StagingBranches[i] = cloneBranch(b)
	}
	c.Assignment = make(map[string][]string, len(s.Assignment))
	for k, v := range s.Assignment {
		c.Assignment[k] = slices.Clone(v)
	}
	c.SubtaskStatus = make(map[string]models.SubtaskStatus, len(s.SubtaskStatus))
	for k, v := range s.SubtaskStatus {
		c.SubtaskStatus[k] = v
	}
	if s.FinalizedAt != nil {
		t := *s.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}
