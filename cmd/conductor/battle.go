package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/engine"
	"github.com/ShayCichocki/conductor/internal/taskspec"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	battleExecutor     string
	battleJSON         bool
	battleDev          int
	battleStaging      int
	battleBase         string
	battleTarget       string
	battleRequireTests bool
	battleWorkers      int
	battleTimeout      time.Duration
	battleMaxDepth     int
	battleGranularity  string
	battleMaxSubtasks  int
)

var battleCmd = &cobra.Command{
	Use:   "battle <spec-file>",
	Short: "Run a TaskSpec partitioned across git branches",
	Long: `Run a TaskSpec in battle mode regardless of its size.

The scheduled subtasks are assigned to dev branches by the configured
strategy. Each dev branch runs its share of every wave and commits the
result. Fully completed dev branches are squash-merged into staging
branches, which are then squash-merged into the target branch.

Branch names follow battle.branch_template, by default
conductor/battle-{jobId}-{type}{index}.`,
	Args: cobra.ExactArgs(1),
	RunE: runBattle,
}

func init() {
	battleCmd.Flags().StringVar(&battleExecutor, "executor", "", "Executor name (default from config)")
	battleCmd.Flags().BoolVar(&battleJSON, "json", false, "Print the report as JSON")
	battleCmd.Flags().IntVar(&battleDev, "dev", 0, "Dev branch count (default derived from subtask count)")
	battleCmd.Flags().IntVar(&battleStaging, "staging", 0, "Staging branch count (default from config)")
	battleCmd.Flags().StringVar(&battleBase, "base", "", "Branch the battle branches start from (default from config)")
	battleCmd.Flags().StringVar(&battleTarget, "target", "", "Branch receiving the staging merges (default: base)")
	battleCmd.Flags().BoolVar(&battleRequireTests, "require-tests", false, "Run battle.test_command before each promotion")
	battleCmd.Flags().IntVar(&battleWorkers, "workers", 0, "Maximum concurrent subtasks per wave (default from config)")
	battleCmd.Flags().DurationVar(&battleTimeout, "timeout", 0, "Per-subtask timeout (default from config)")
	addDecomposeFlags(battleCmd, &battleMaxDepth, &battleGranularity, &battleMaxSubtasks)
}

func runBattle(cmd *cobra.Command, args []string) error {
	spec, err := taskspec.Load(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(useDashboard())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fn, stop, err := s.worker(ctx, battleExecutor)
	if err != nil {
		return err
	}
	defer func() {
		if err := stop(context.Background()); err != nil {
			s.logger.Warn("worker pool shutdown", zap.Error(err))
		}
	}()

	opts := s.engineOptions(fn)
	applyDecomposeFlags(&opts, battleMaxDepth, battleGranularity, battleMaxSubtasks)
	applyExecFlags(&opts, battleWorkers, battleTimeout)

	bopts := s.battleOptions(opts, s.orchestrator(spec.Repo))
	bopts.DevBranches = battleDev
	bopts.StagingBranches = battleStaging
	bopts.TargetBranch = battleTarget
	if battleBase != "" {
		bopts.BaseBranch = battleBase
	}
	if cmd.Flags().Changed("require-tests") {
		bopts.RequireTests = battleRequireTests
	}
	return executeBattle(ctx, spec, bopts, battleJSON)
}

// executeBattle runs a battle with progress output and prints its report.
func executeBattle(ctx context.Context, spec *models.TaskSpec, opts engine.BattleOptions, jsonOut bool) error {
	var report *engine.BattleReport
	err := withProgress(ctx, "battle", func(ctx context.Context, observe func(*engine.Options)) (string, error) {
		observe(&opts.Options)
		r, err := engine.RunBattle(ctx, spec, opts)
		if err != nil {
			return "", err
		}
		report = r
		return summarize(&r.Report), nil
	})
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printBattleReport(os.Stdout, report)
	}
	return failureError(&report.Report)
}
