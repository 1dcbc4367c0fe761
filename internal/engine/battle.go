package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/battle"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	// ErrNoOrchestrator is returned by RunBattle without a battle orchestrator.
	ErrNoOrchestrator = errors.New("no battle orchestrator")
	// ErrBranchIncomplete is reported for a dev branch with failed or
	// blocked subtasks. Such a branch is marked failed and never promoted.
	ErrBranchIncomplete = errors.New("dev branch has failed or blocked subtasks")
)

// BattleOptions extend Options for a branch-partitioned run.
type BattleOptions struct {
	Options
	Orchestrator *battle.Orchestrator
	// DevBranches and StagingBranches default to the orchestrator's
	// BranchCounts for the number of scheduled subtasks.
	DevBranches     int
	StagingBranches int
	BaseBranch      string
	// TargetBranch receives the staging merges; defaults to the base branch.
	TargetBranch string
	RequireTests bool
}

// BranchRun is the execution summary of one dev branch.
type BranchRun struct {
	Branch   string         `json:"branch"`
	Subtasks int            `json:"subtasks"`
	Metrics  models.Metrics `json:"metrics"`
	Error    string         `json:"error,omitempty"`
}

// Promotion is the outcome of promoting one dev branch.
type Promotion struct {
	Dev     string `json:"dev"`
	Staging string `json:"staging"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BattleReport is the outcome of RunBattle. The embedded Report aggregates
// results and metrics across all dev branches.
type BattleReport struct {
	Report
	Branches   []BranchRun           `json:"branches"`
	Promotions []Promotion           `json:"promotions"`
	Finalize   battle.FinalizeReport `json:"finalize"`
	Status     models.BattleStatus   `json:"status"`
}

// RunBattle plans spec, partitions the scheduled subtasks across dev
// branches and runs each branch's share of every wave with the tree checked
// out on that branch. Dev branch i is promoted into staging branch i mod M
// once all of its subtasks completed; the staging branches are then
// finalized into the target branch. Branch and merge failures are reported
// in the BattleReport; only invalid input and partition setup fail the call.
func RunBattle(ctx context.Context, spec *models.TaskSpec, opts BattleOptions) (*BattleReport, error) {
	if opts.WorkerFn == nil {
		return nil, ErrNoWorker
	}
	orch := opts.Orchestrator
	if orch == nil {
		return nil, ErrNoOrchestrator
	}
	opts.setDefaults()
	log := opts.Logger.With(zap.String("job", opts.JobID))
	started := opts.Clock.Now()

	plan, err := buildPlan(spec, &opts.Options)
	if err != nil {
		return nil, err
	}
	if opts.OnPlan != nil {
		opts.OnPlan(plan)
	}
	scheduled := plan.Scheduled()

	dev, staging := orch.BranchCounts(len(scheduled))
	if opts.DevBranches > 0 {
		dev = opts.DevBranches
	}
	if opts.StagingBranches > 0 {
		staging = opts.StagingBranches
	}
	session, err := orch.StartPartition(ctx, plan.JobID, scheduled, dev, staging, opts.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("start partition: %w", err)
	}

	report := &BattleReport{Report: Report{
		JobID:        plan.JobID,
		SpecID:       spec.ID,
		SubtaskCount: len(plan.Subtasks),
		LayerCount:   len(plan.Layers.Layers),
		Results:      make(map[string]models.Result, len(scheduled)),
		Unscheduled:  plan.Layers.Unscheduled,
		Warnings:     plan.Warnings(),
		Truncated:    plan.Truncated,
		StartedAt:    started,
		Subtasks:     plan.Subtasks,
	}}

	execStart := opts.Clock.Now()
	exec := opts.executor()
	byID := plan.ByID()
	ok := make(map[string]bool, len(session.DevBranches))

	for _, b := range session.DevBranches {
		if len(b.Subtasks) == 0 {
			continue
		}
		layers := restrictLayers(plan.Layers.Layers, b.Subtasks)
		run := BranchRun{Branch: b.Name, Subtasks: len(b.Subtasks)}

		var results map[string]models.Result
		err := orch.WorkOnBranch(ctx, plan.JobID, b.Name, func(ctx context.Context) error {
			results, run.Metrics = exec.RunLayers(ctx, layers, byID, opts.WorkerFn)
			if m := run.Metrics; m.Failed > 0 || m.Completed < m.Total {
				return fmt.Errorf("%w: %d of %d completed", ErrBranchIncomplete, m.Completed, m.Total)
			}
			return nil
		})
		for id, res := range results {
			report.Results[id] = res
			if markErr := orch.MarkSubtask(plan.JobID, id, statusOf(res)); markErr != nil {
				log.Warn("failed to record subtask status", zap.String("subtask", id), zap.Error(markErr))
			}
		}
		addMetrics(&report.Metrics, run.Metrics)
		if err != nil {
			run.Error = err.Error()
		}
		ok[b.Name] = err == nil
		report.Branches = append(report.Branches, run)
		log.Info("dev branch executed",
			zap.String("branch", b.Name),
			zap.Int("completed", run.Metrics.Completed),
			zap.Int("failed", run.Metrics.Failed),
			zap.Error(err))
	}
	execEnd := opts.Clock.Now()

	for i, b := range session.DevBranches {
		if len(b.Subtasks) == 0 {
			continue
		}
		target := session.StagingBranches[i%len(session.StagingBranches)].Name
		p := Promotion{Dev: b.Name, Staging: target}
		if !ok[b.Name] {
			p.Error = "branch has failed or incomplete subtasks"
			report.Promotions = append(report.Promotions, p)
			continue
		}
		promoted, err := orch.PromoteDevToStaging(ctx, plan.JobID, b.Name, target, opts.RequireTests)
		switch {
		case err != nil:
			p.Error = err.Error()
		case !promoted:
			p.Error = "test gate or squash merge failed"
		default:
			p.Success = true
		}
		report.Promotions = append(report.Promotions, p)
	}

	fin, err := orch.FinalizeBattle(ctx, plan.JobID, opts.TargetBranch)
	report.Finalize = fin
	if err != nil {
		log.Warn("battle finalize reported errors", zap.Error(err))
		report.Warnings = append(report.Warnings, fmt.Sprintf("finalize: %v", err))
	}
	if status, err := orch.GetBattleStatus(plan.JobID); err == nil {
		report.Status = status
	}

	finished := opts.Clock.Now()
	report.Timings = plan.Timings
	report.Timings.Execute = execEnd.Sub(execStart)
	report.Timings.Total = finished.Sub(started)

	if opts.Store != nil {
		if err := opts.Store.SaveRun(ctx, report.run(state.RunModeBattle, spec), report.OrderedResults()); err != nil {
			log.Warn("failed to persist run", zap.Error(err))
			report.Warnings = append(report.Warnings, fmt.Sprintf("run not persisted: %v", err))
		}
	}

	log.Info("battle finished",
		zap.Int("branches", len(report.Branches)),
		zap.Int("completed", report.Metrics.Completed),
		zap.Int("failed", report.Metrics.Failed),
		zap.Bool("merged", fin.Success()),
		zap.Duration("elapsed", report.Timings.Total))
	return report, nil
}

// restrictLayers keeps only the given IDs of each layer, dropping layers
// left empty. Relative order across layers is preserved.
func restrictLayers(layers []models.Layer, ids []string) []models.Layer {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	var out []models.Layer
	for _, l := range layers {
		var sub models.Layer
		for _, id := range l {
			if keep[id] {
				sub = append(sub, id)
			}
		}
		if len(sub) > 0 {
			out = append(out, sub)
		}
	}
	return out
}

func statusOf(res models.Result) models.SubtaskStatus {
	switch {
	case res.Success:
		return models.SubtaskStatusCompleted
	case res.Blocked:
		return models.SubtaskStatusBlocked
	default:
		return models.SubtaskStatusFailed
	}
}

func addMetrics(dst *models.Metrics, m models.Metrics) {
	dst.Total += m.Total
	dst.Completed += m.Completed
	dst.Failed += m.Failed
	dst.Blocked += m.Blocked
	dst.TotalDuration += m.TotalDuration
}
