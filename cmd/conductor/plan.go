package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/engine"
	"github.com/ShayCichocki/conductor/internal/taskspec"
	"github.com/ShayCichocki/conductor/internal/watch"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	planWatch       bool
	planJSON        bool
	planLimit       int
	planMaxDepth    int
	planGranularity string
	planMaxSubtasks int
)

var planCmd = &cobra.Command{
	Use:   "plan <spec-file>",
	Short: "Decompose a TaskSpec and show its waves without running it",
	Long: `Decompose a TaskSpec file (YAML, TOML or JSON), infer dependencies and
print the resulting waves.

With --watch the plan is rebuilt every time the file is saved.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planWatch, "watch", false, "Re-plan whenever the spec file changes")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")
	planCmd.Flags().IntVar(&planLimit, "limit", 20, "Subtasks listed per wave (0 for all)")
	addDecomposeFlags(planCmd, &planMaxDepth, &planGranularity, &planMaxSubtasks)
}

// addDecomposeFlags registers the decomposition overrides shared by plan,
// run and battle.
func addDecomposeFlags(cmd *cobra.Command, maxDepth *int, granularity *string, maxSubtasks *int) {
	cmd.Flags().IntVar(maxDepth, "max-depth", 0, "Maximum decomposition depth (default from config)")
	cmd.Flags().StringVar(granularity, "granularity", "", "Minimum granularity: file or function (default from config)")
	cmd.Flags().IntVar(maxSubtasks, "max-subtasks", 0, "Decomposition cap (default from config)")
}

func applyDecomposeFlags(opts *engine.Options, maxDepth int, granularity string, maxSubtasks int) {
	if maxDepth > 0 {
		opts.MaxDepth = maxDepth
	}
	if granularity != "" {
		opts.MinGranularity = models.Granularity(granularity)
	}
	if maxSubtasks > 0 {
		opts.MaxSubtasks = maxSubtasks
	}
}

// planView is the JSON form of a plan.
type planView struct {
	JobID       string            `json:"job_id"`
	SpecID      string            `json:"spec_id"`
	Subtasks    []*models.Subtask `json:"subtasks"`
	Edges       int               `json:"edges"`
	Layers      []models.Layer    `json:"layers"`
	Unscheduled []string          `json:"unscheduled,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Truncated   bool              `json:"truncated"`
	Timings     models.Timings    `json:"timings"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	path := args[0]
	once := func(ctx context.Context) error {
		spec, err := taskspec.Load(path)
		if err != nil {
			return err
		}
		opts := s.engineOptions(nil)
		applyDecomposeFlags(&opts, planMaxDepth, planGranularity, planMaxSubtasks)

		plan, err := engine.BuildPlan(spec, opts)
		if err != nil {
			return err
		}
		if store := s.store(); store != nil {
			if err := engine.SavePlan(ctx, store, plan); err != nil {
				s.logger.Warn("failed to persist plan", zap.Error(err))
			}
		}

		if planJSON {
			return printJSON(planView{
				JobID:       plan.JobID,
				SpecID:      spec.ID,
				Subtasks:    plan.Subtasks,
				Edges:       plan.Edges,
				Layers:      plan.Layers.Layers,
				Unscheduled: plan.Layers.Unscheduled,
				Warnings:    plan.Warnings(),
				Truncated:   plan.Truncated,
				Timings:     plan.Timings,
			})
		}
		printPlan(os.Stdout, plan, planLimit)
		return nil
	}

	if !planWatch {
		return once(ctx)
	}

	w := watch.New(path, watch.WithLogger(s.logger))
	return w.Run(ctx, func(ctx context.Context) error {
		if err := once(ctx); err != nil {
			printStatus("✗", err.Error(), color.FgRed)
			return err
		}
		printStatus("…", fmt.Sprintf("watching %s, press Ctrl+C to stop", path), color.FgHiBlack)
		return nil
	})
}
