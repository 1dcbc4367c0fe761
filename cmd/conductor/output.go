package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/ShayCichocki/conductor/internal/engine"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// maxListedFailures caps the failed subtasks printed after a run.
const maxListedFailures = 10

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func round(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

// printReport prints the outcome of a run.
func printReport(w io.Writer, r *engine.Report) {
	m := r.Metrics
	symbol, attr := "✓", color.FgGreen
	if !r.Success() {
		symbol, attr = "✗", color.FgRed
	}
	fmt.Fprintf(w, "%s Job %s (%s): %s/%s subtasks completed in %s\n",
		color.New(attr).Sprint(symbol), r.JobID, r.SpecID,
		humanize.Comma(int64(m.Completed)), humanize.Comma(int64(m.Total)), round(r.Timings.Total))
	fmt.Fprintf(w, "  waves %d, failed %d, blocked %d, unscheduled %d\n",
		r.LayerCount, m.Failed, m.Blocked, len(r.Unscheduled))
	fmt.Fprintf(w, "  timings: decompose %s, analyze %s, layer %s, execute %s\n",
		round(r.Timings.Decompose), round(r.Timings.Analyze), round(r.Timings.Layer), round(r.Timings.Execute))
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "  %s %s\n", color.YellowString("⚠"), warning)
	}

	var failed []models.Result
	for _, res := range r.OrderedResults() {
		if !res.Success {
			failed = append(failed, res)
		}
	}
	for i, res := range failed {
		if i == maxListedFailures {
			fmt.Fprintf(w, "  ... and %d more\n", len(failed)-maxListedFailures)
			break
		}
		mark := color.RedString("✗")
		if res.Blocked {
			mark = color.YellowString("⊘")
		}
		fmt.Fprintf(w, "  %s %s: %s\n", mark, res.SubtaskID, res.Error)
	}
}

// printBattleReport prints the outcome of a battle run.
func printBattleReport(w io.Writer, r *engine.BattleReport) {
	printReport(w, &r.Report)

	fmt.Fprintln(w, "\nBranches:")
	for _, b := range r.Branches {
		line := fmt.Sprintf("%d/%d completed", b.Metrics.Completed, b.Subtasks)
		if b.Error != "" {
			line += ", " + color.RedString(b.Error)
		}
		fmt.Fprintf(w, "  %-40s %s\n", b.Branch, line)
	}

	fmt.Fprintln(w, "\nPromotions:")
	for _, p := range r.Promotions {
		if p.Success {
			fmt.Fprintf(w, "  %s %s -> %s\n", color.GreenString("✓"), p.Dev, p.Staging)
			continue
		}
		fmt.Fprintf(w, "  %s %s -> %s: %s\n", color.RedString("✗"), p.Dev, p.Staging, p.Error)
	}

	fmt.Fprintf(w, "\nFinalize into %s:\n", r.Finalize.Target)
	for _, m := range r.Finalize.Merges {
		if m.Success {
			fmt.Fprintf(w, "  %s %s\n", color.GreenString("✓"), m.Source)
			continue
		}
		fmt.Fprintf(w, "  %s %s: %s\n", color.RedString("✗"), m.Source, m.Error)
	}
	if len(r.Finalize.Deleted) > 0 {
		fmt.Fprintf(w, "  deleted %d branches\n", len(r.Finalize.Deleted))
	}
	fmt.Fprintf(w, "\nProgress: %s/%s subtasks (%.0f%%)\n",
		humanize.Comma(int64(r.Status.Completed)), humanize.Comma(int64(r.Status.Total)), r.Status.Progress*100)
}

// printPlan prints the waves of a plan. Only the first limit subtasks of
// each wave are listed; limit <= 0 lists all of them.
func printPlan(w io.Writer, p *engine.Plan, limit int) {
	byID := p.ByID()
	fmt.Fprintf(w, "%s Plan %s for %s: %s subtasks, %d edges, %d waves, depth %d\n",
		color.CyanString("▶"), p.JobID, p.Spec.ID,
		humanize.Comma(int64(len(p.Subtasks))), p.Edges, len(p.Layers.Layers), p.Depth)

	for i, layer := range p.Layers.Layers {
		fmt.Fprintf(w, "\nWave %d (%d):\n", i+1, len(layer))
		for j, id := range layer {
			if limit > 0 && j == limit {
				fmt.Fprintf(w, "  ... and %d more\n", len(layer)-limit)
				break
			}
			st := byID[id]
			deps := ""
			if len(st.Dependencies) > 0 {
				deps = color.HiBlackString(" <- " + strings.Join(st.Dependencies, ", "))
			}
			fmt.Fprintf(w, "  %-24s %-9s %s%s\n", id, st.Kind, st.Target, deps)
		}
	}

	if len(p.Layers.Unscheduled) > 0 {
		fmt.Fprintf(w, "\n%s Unscheduled: %s\n", color.YellowString("⚠"), strings.Join(p.Layers.Unscheduled, ", "))
	}
	for _, warning := range p.Warnings() {
		fmt.Fprintf(w, "%s %s\n", color.YellowString("⚠"), warning)
	}
}

// summarize is the one-line summary shown on the dashboard when a run ends.
func summarize(r *engine.Report) string {
	m := r.Metrics
	return fmt.Sprintf("%d/%d completed, %d failed (%d blocked) in %s",
		m.Completed, m.Total, m.Failed, m.Blocked, round(r.Timings.Total))
}

// failureError turns an unsuccessful report into the command's error.
func failureError(r *engine.Report) error {
	if r.Success() {
		return nil
	}
	return fmt.Errorf("%d of %d subtasks failed", r.Metrics.Failed, r.Metrics.Total)
}
