package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/battle"
	"github.com/ShayCichocki/conductor/internal/state"
)

var (
	statusLimit int
	statusAll   bool
	statusPurge time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show recorded runs and battle sessions",
	Long: `Display runs recorded in the project state database.

Without arguments, lists the most recent runs and the battle sessions that
have not been finalized. With a job ID, shows that run's results and, for
battle runs, per-branch progress.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of runs to list")
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "Include finalized battle sessions")
	statusCmd.Flags().DurationVar(&statusPurge, "purge-older-than", 0, "Delete runs older than this before listing")
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.db == nil {
		fmt.Println("State persistence is disabled (state.enabled = false).")
		return nil
	}
	ctx := context.Background()

	if statusPurge > 0 {
		n, err := s.db.PurgeOldRuns(ctx, time.Now(), statusPurge)
		if err != nil {
			return fmt.Errorf("purge runs: %w", err)
		}
		printStatus("✓", fmt.Sprintf("Purged %d runs older than %s", n, statusPurge), color.FgGreen)
	}

	if len(args) == 1 {
		return showRun(ctx, s.db, args[0])
	}
	return listRuns(ctx, s.db)
}

func listRuns(ctx context.Context, db *state.DB) error {
	runs, err := db.ListRuns(ctx, statusLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded. Run 'conductor run <spec-file>' to start.")
	} else {
		fmt.Println("Recent runs:")
		for _, r := range runs {
			fmt.Printf("  %s %-10s %-7s %-20s %s/%s completed  %s  %s\n",
				runSymbol(r), r.JobID, r.Mode, r.SpecID,
				humanize.Comma(int64(r.Metrics.Completed)), humanize.Comma(int64(r.SubtaskCount)),
				round(r.Duration), humanize.Time(r.StartedAt))
		}
	}

	sessions, err := db.ListBattleSessions(ctx, !statusAll)
	if err != nil {
		return fmt.Errorf("list battle sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}
	fmt.Println("\nBattle sessions:")
	for _, sess := range sessions {
		st := battle.StatusOf(sess)
		finalized := color.YellowString("active")
		if st.Finalized {
			finalized = color.GreenString("finalized")
		}
		fmt.Printf("  %-10s %s/%s subtasks (%.0f%%) on %d dev branches  %s  %s\n",
			sess.JobID, humanize.Comma(int64(st.Completed)), humanize.Comma(int64(st.Total)), st.Progress*100,
			len(sess.DevBranches), finalized, humanize.Time(sess.StartedAt))
	}
	return nil
}

func runSymbol(r *state.Run) string {
	switch {
	case r.Mode == state.RunModePlan:
		return color.CyanString("▶")
	case r.Metrics.Failed > 0:
		return color.RedString("✗")
	default:
		return color.GreenString("✓")
	}
}

func showRun(ctx context.Context, db *state.DB, jobID string) error {
	r, err := db.GetRun(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if r == nil {
		return fmt.Errorf("no run with job ID %q", jobID)
	}

	fmt.Printf("Job:       %s (%s)\n", r.JobID, r.Mode)
	fmt.Printf("Spec:      %s\n", r.SpecID)
	fmt.Printf("Started:   %s (%s)\n", r.StartedAt.Local().Format(time.DateTime), humanize.Time(r.StartedAt))
	fmt.Printf("Duration:  %s\n", round(r.Duration))
	fmt.Printf("Subtasks:  %s in %d waves\n", humanize.Comma(int64(r.SubtaskCount)), r.LayerCount)
	fmt.Printf("Results:   %d completed, %d failed (%d blocked)\n",
		r.Metrics.Completed, r.Metrics.Failed, r.Metrics.Blocked)
	if len(r.Unscheduled) > 0 {
		fmt.Printf("Unscheduled: %d\n", len(r.Unscheduled))
	}
	for _, w := range r.Warnings {
		fmt.Printf("%s %s\n", color.YellowString("⚠"), w)
	}

	results, err := db.GetResults(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get results: %w", err)
	}
	var failed int
	for _, res := range results {
		if res.Success {
			continue
		}
		if failed == maxListedFailures {
			fmt.Println("  ...")
			break
		}
		failed++
		fmt.Printf("  %s %s: %s\n", color.RedString("✗"), res.SubtaskID, res.Error)
	}

	if r.Mode != state.RunModeBattle {
		return nil
	}
	sess, err := db.GetBattleSession(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get battle session: %w", err)
	}
	if sess == nil {
		return nil
	}
	st := battle.StatusOf(sess)
	fmt.Printf("\nBranches (base %s):\n", st.BaseBranch)
	for _, b := range st.Branches {
		fmt.Printf("  %-40s %-8s %-9s %d/%d\n", b.Name, b.Kind, b.Status, b.Completed, b.Assigned)
	}
	return nil
}
