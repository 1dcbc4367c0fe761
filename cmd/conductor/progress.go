package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/ShayCichocki/conductor/internal/engine"
	"github.com/ShayCichocki/conductor/internal/executor"
	"github.com/ShayCichocki/conductor/internal/tui"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// runFunc performs one run. observe installs the progress callbacks on the
// engine options; the returned summary is shown when the run ends.
type runFunc func(ctx context.Context, observe func(*engine.Options)) (summary string, err error)

// useDashboard reports whether the interactive dashboard should be shown.
func useDashboard() bool {
	return !headless && tui.IsTerminal(os.Stdout)
}

// withProgress runs fn under the dashboard when stdout is a terminal, and
// with plain progress lines on stderr otherwise.
func withProgress(ctx context.Context, mode string, fn runFunc) error {
	if !useDashboard() {
		p := &plainProgress{out: os.Stderr, mode: mode}
		_, err := fn(ctx, p.install)
		return err
	}
	return runWithDashboard(ctx, mode, fn)
}

// runWithDashboard runs fn in the background while the dashboard owns the
// terminal. Quitting the dashboard cancels the run.
func runWithDashboard(ctx context.Context, mode string, fn runFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Stray standard log output corrupts the display.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	program, _ := tui.NewRunProgram()
	observe := func(opts *engine.Options) {
		opts.Observer = tui.NewObserver(program)
		opts.OnPlan = func(p *engine.Plan) {
			program.Send(planMsg(p, mode))
		}
	}

	runDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic during run: %v", r)
				program.Send(tui.DoneMsg{Err: err})
				runDone <- err
			}
		}()
		summary, err := fn(ctx, observe)
		program.Send(tui.DoneMsg{Err: err, Summary: summary})
		runDone <- err
	}()

	_, tuiErr := program.Run()
	// The user may quit before the run ends.
	cancel()
	err := <-runDone
	if tuiErr != nil {
		return fmt.Errorf("dashboard: %w", tuiErr)
	}
	return err
}

func planMsg(p *engine.Plan, mode string) tui.PlanMsg {
	return tui.PlanMsg{
		JobID:       p.JobID,
		Mode:        mode,
		Subtasks:    len(p.Subtasks),
		Layers:      len(p.Layers.Layers),
		Unscheduled: len(p.Layers.Unscheduled),
		Warnings:    p.Warnings(),
	}
}

// plainProgress prints progress lines for non-interactive output.
type plainProgress struct {
	out  io.Writer
	mode string
	mu   sync.Mutex
}

var _ executor.Observer = (*plainProgress)(nil)

func (p *plainProgress) install(opts *engine.Options) {
	opts.Observer = p
	opts.OnPlan = p.planned
}

func (p *plainProgress) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *plainProgress) planned(plan *engine.Plan) {
	p.printf("%s %s job %s: %s subtasks in %d waves\n",
		color.CyanString("▶"), p.mode, plan.JobID,
		humanize.Comma(int64(len(plan.Subtasks))), len(plan.Layers.Layers))
	for _, w := range plan.Warnings() {
		p.printf("  %s %s\n", color.YellowString("⚠"), w)
	}
}

func (p *plainProgress) OnLayerStart(index, total int, layer models.Layer) {
	p.printf("  wave %d/%d: %d subtasks\n", index+1, total, len(layer))
}

func (p *plainProgress) OnResult(st *models.Subtask, res models.Result) {
	if res.Success {
		return
	}
	mark := color.RedString("✗")
	if res.Blocked {
		mark = color.YellowString("⊘")
	}
	p.printf("    %s %s %s: %s\n", mark, st.ID, st.Target, res.Error)
}

func (p *plainProgress) OnBatchDone(m models.Metrics) {
	p.printf("    %d/%d done\n", m.Completed+m.Failed, m.Total)
}
