package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	headless   bool
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Dependency-aware parallel task scheduler",
	Long: `Conductor splits one large unit of work into atomic subtasks, infers
the order they must run in, and executes them in parallel waves.

Core capabilities:
- Recursive decomposition of a TaskSpec into file, function, component,
  feature and sentence subtasks
- Same-file and import-based dependency inference
- Kahn layering into waves, with cycles reported instead of run
- Bounded-concurrency wave execution on an auto-scaling worker pool
- Battle mode: large jobs partitioned across git branches and
  squash-merged back together`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config merged with .conductor.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", false, "Print plain progress lines instead of the dashboard")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(battleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
