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
)

var (
	runExecutor    string
	runJSON        bool
	runForceBattle bool
	runNoBattle    bool
	runWorkers     int
	runTimeout     time.Duration
	runMaxDepth    int
	runGranularity string
	runMaxSubtasks int
)

var runCmd = &cobra.Command{
	Use:   "run <spec-file>",
	Short: "Decompose a TaskSpec and execute it in parallel waves",
	Long: `Decompose a TaskSpec file, infer dependencies and execute every
subtask with the configured executor, one wave at a time.

Large jobs are detected automatically and run in battle mode, partitioned
across git branches. Use --battle or --no-battle to override detection.

Executors:
  simulate   sleeps for a fraction of each subtask's estimated duration
  shell      runs shell.command with {id}, {kind} and {target} substituted
  anthropic  sends each subtask to the Anthropic API`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVar(&runExecutor, "executor", "", "Executor name (default from config)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the report as JSON")
	runCmd.Flags().BoolVar(&runForceBattle, "battle", false, "Force battle mode")
	runCmd.Flags().BoolVar(&runNoBattle, "no-battle", false, "Never use battle mode")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Maximum concurrent subtasks per wave (default from config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-subtask timeout (default from config)")
	addDecomposeFlags(runCmd, &runMaxDepth, &runGranularity, &runMaxSubtasks)
	runCmd.MarkFlagsMutuallyExclusive("battle", "no-battle")
}

func applyExecFlags(opts *engine.Options, workers int, timeout time.Duration) {
	if workers > 0 {
		opts.MaxWorkers = workers
	}
	if timeout > 0 {
		opts.Timeout = timeout
	}
}

func runTask(cmd *cobra.Command, args []string) error {
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

	fn, stop, err := s.worker(ctx, runExecutor)
	if err != nil {
		return err
	}
	defer func() {
		if err := stop(context.Background()); err != nil {
			s.logger.Warn("worker pool shutdown", zap.Error(err))
		}
	}()

	opts := s.engineOptions(fn)
	opts.JobID = engine.NewJobID()
	applyDecomposeFlags(&opts, runMaxDepth, runGranularity, runMaxSubtasks)
	applyExecFlags(&opts, runWorkers, runTimeout)

	orch := s.orchestrator(spec.Repo)
	useBattle := runForceBattle
	if !runForceBattle && !runNoBattle {
		plan, err := engine.BuildPlan(spec, opts)
		if err != nil {
			return err
		}
		useBattle = orch.IsLargeJob(spec, len(plan.Subtasks))
		if useBattle {
			s.logger.Info("large job detected, using battle mode",
				zap.String("spec", spec.ID), zap.Int("subtasks", len(plan.Subtasks)))
		}
	}
	if useBattle {
		return executeBattle(ctx, spec, s.battleOptions(opts, orch), runJSON)
	}

	var report *engine.Report
	err = withProgress(ctx, "run", func(ctx context.Context, observe func(*engine.Options)) (string, error) {
		observe(&opts)
		r, err := engine.DecomposeAndExecute(ctx, spec, opts)
		if err != nil {
			return "", err
		}
		report = r
		return summarize(r), nil
	})
	if err != nil {
		return err
	}

	if runJSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printReport(os.Stdout, report)
	}
	return failureError(report)
}
