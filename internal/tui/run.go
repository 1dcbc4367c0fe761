package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// maxLogEntries is how many activity lines the dashboard keeps.
const maxLogEntries = 8

// RunState tracks the progress of one run.
type RunState struct {
	JobID       string
	Mode        string
	Subtasks    int
	Layers      int
	Unscheduled int
	// CurrentLayer is 1-based; zero before the first wave starts.
	CurrentLayer int
	LayerTotal   int
	LayerSize    int
	Completed    int
	Failed       int
	Blocked      int
	Batches      int
	WorkTime     time.Duration
	Warnings     []string
}

// Scheduled is the number of subtasks that will get a result.
func (s RunState) Scheduled() int {
	return s.Subtasks - s.Unscheduled
}

// Finished is the number of subtasks with a result.
func (s RunState) Finished() int {
	return s.Completed + s.Failed
}

// Fraction returns finished/scheduled in [0, 1].
func (s RunState) Fraction() float64 {
	n := s.Scheduled()
	if n <= 0 {
		return 0
	}
	return min(float64(s.Finished())/float64(n), 1)
}

// PlanMsg is sent once the spec has been decomposed and layered.
type PlanMsg struct {
	JobID       string
	Mode        string
	Subtasks    int
	Layers      int
	Unscheduled int
	Warnings    []string
}

// LayerStartMsg is sent when a wave starts.
type LayerStartMsg struct {
	Index int
	Total int
	Size  int
}

// ResultMsg is sent for every subtask result.
type ResultMsg struct {
	SubtaskID string
	Kind      models.SplitKind
	Target    string
	Result    models.Result
}

// BatchDoneMsg is sent after each batch with the metrics of the current
// executor run.
type BatchDoneMsg struct {
	Metrics models.Metrics
}

// LogMsg adds a line to the activity log.
type LogMsg struct {
	Timestamp time.Time
	Message   string
}

// DoneMsg is sent when the run finishes.
type DoneMsg struct {
	Err     error
	Summary string
}

// LogEntry is one line of the activity log.
type LogEntry struct {
	Timestamp time.Time
	Message   string
	Failed    bool
}

// RunView renders the progress section of the dashboard.
type RunView struct {
	state RunState
	bar   progress.Model
	width int

	headerStyle  lipgloss.Style
	labelStyle   lipgloss.Style
	valueStyle   lipgloss.Style
	successStyle lipgloss.Style
	failedStyle  lipgloss.Style
	warningStyle lipgloss.Style
}

// NewRunView creates a new RunView instance.
func NewRunView() *RunView {
	return &RunView{
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),

		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")).
			MarginBottom(1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		successStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		failedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),

		warningStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),
	}
}

// State returns the current run state.
func (v *RunView) State() RunState {
	return v.state
}

// SetWidth resizes the progress bar to fit width.
func (v *RunView) SetWidth(width int) {
	v.width = width
	v.bar.Width = max(10, min(60, width-20))
}

// Update applies a run message to the state.
func (v *RunView) Update(msg tea.Msg) {
	switch msg := msg.(type) {
	case PlanMsg:
		v.state.JobID = msg.JobID
		v.state.Mode = msg.Mode
		v.state.Subtasks = msg.Subtasks
		v.state.Layers = msg.Layers
		v.state.Unscheduled = msg.Unscheduled
		v.state.Warnings = msg.Warnings
	case LayerStartMsg:
		v.state.CurrentLayer = msg.Index + 1
		v.state.LayerTotal = msg.Total
		v.state.LayerSize = msg.Size
	case ResultMsg:
		v.state.WorkTime += msg.Result.Duration
		if msg.Result.Success {
			v.state.Completed++
			return
		}
		v.state.Failed++
		if msg.Result.Blocked {
			v.state.Blocked++
		}
	case BatchDoneMsg:
		v.state.Batches++
	}
}

// View renders the progress section.
func (v *RunView) View() string {
	s := v.state
	var b strings.Builder

	title := "Run"
	if s.JobID != "" {
		title = fmt.Sprintf("Run %s", s.JobID)
	}
	if s.Mode != "" {
		title += " (" + s.Mode + ")"
	}
	b.WriteString(v.headerStyle.Render(title))
	b.WriteString("\n")

	b.WriteString(v.labelStyle.Render("Subtasks:"))
	b.WriteString(v.valueStyle.Render(humanize.Comma(int64(s.Subtasks))))
	if s.Unscheduled > 0 {
		b.WriteString("  ")
		b.WriteString(v.warningStyle.Render(fmt.Sprintf("%d unscheduled", s.Unscheduled)))
	}
	b.WriteString("\n")

	layer := "-"
	if s.CurrentLayer > 0 {
		layer = fmt.Sprintf("%d/%d (%d subtasks)", s.CurrentLayer, s.LayerTotal, s.LayerSize)
	}
	b.WriteString(v.labelStyle.Render("Wave:"))
	b.WriteString(v.valueStyle.Render(layer))
	b.WriteString("\n")

	b.WriteString(v.labelStyle.Render("Results:"))
	b.WriteString(v.successStyle.Render(fmt.Sprintf("%d completed", s.Completed)))
	b.WriteString(", ")
	b.WriteString(v.failedStyle.Render(fmt.Sprintf("%d failed", s.Failed)))
	if s.Blocked > 0 {
		b.WriteString(v.warningStyle.Render(fmt.Sprintf(" (%d blocked)", s.Blocked)))
	}
	b.WriteString("\n")

	b.WriteString(v.labelStyle.Render("Work time:"))
	b.WriteString(v.valueStyle.Render(s.WorkTime.Round(time.Millisecond).String()))
	b.WriteString("\n\n")

	b.WriteString("  ")
	b.WriteString(v.bar.ViewAs(s.Fraction()))
	b.WriteString("\n")

	for _, w := range s.Warnings {
		b.WriteString(v.warningStyle.Render("  ! " + w))
		b.WriteString("\n")
	}
	return b.String()
}

// RunApp is the bubbletea model for the run dashboard.
type RunApp struct {
	view     *RunView
	spinner  spinner.Model
	logs     []LogEntry
	width    int
	height   int
	quitting bool
	done     bool
	err      error
	summary  string

	logStyle     lipgloss.Style
	logTimeStyle lipgloss.Style
	errorStyle   lipgloss.Style
	doneStyle    lipgloss.Style
	hintStyle    lipgloss.Style
}

// NewRunApp creates a new RunApp instance.
func NewRunApp() *RunApp {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &RunApp{
		view:    NewRunView(),
		spinner: s,

		logStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),

		logTimeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")).
			Bold(true),

		hintStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// State returns the current run state.
func (a *RunApp) State() RunState {
	return a.view.State()
}

// Logs returns the retained activity log.
func (a *RunApp) Logs() []LogEntry {
	return a.logs
}

// Done reports whether a DoneMsg was received.
func (a *RunApp) Done() bool {
	return a.done
}

// Init implements tea.Model.
func (a *RunApp) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update implements tea.Model.
func (a *RunApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.view.SetWidth(msg.Width)

	case spinner.TickMsg:
		if a.done {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case PlanMsg:
		a.view.Update(msg)
		a.addLog(time.Now(), fmt.Sprintf("planned %d subtasks in %d waves", msg.Subtasks, msg.Layers), false)

	case LayerStartMsg:
		a.view.Update(msg)
		a.addLog(time.Now(), fmt.Sprintf("wave %d/%d started with %d subtasks", msg.Index+1, msg.Total, msg.Size), false)

	case ResultMsg:
		a.view.Update(msg)
		if !msg.Result.Success {
			a.addLog(time.Now(), fmt.Sprintf("%s %s: %s", msg.SubtaskID, msg.Target, msg.Result.Error), true)
		}

	case BatchDoneMsg:
		a.view.Update(msg)

	case LogMsg:
		a.addLog(msg.Timestamp, msg.Message, false)

	case DoneMsg:
		a.done = true
		a.err = msg.Err
		a.summary = msg.Summary
	}

	return a, nil
}

func (a *RunApp) addLog(ts time.Time, message string, failed bool) {
	a.logs = append(a.logs, LogEntry{Timestamp: ts, Message: message, Failed: failed})
	if len(a.logs) > maxLogEntries {
		a.logs = a.logs[len(a.logs)-maxLogEntries:]
	}
}

// View implements tea.Model.
func (a *RunApp) View() string {
	if a.quitting && !a.done {
		return "Run cancelled.\n"
	}

	var b strings.Builder

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Render("=== conductor ===")
	b.WriteString(header)
	if !a.done {
		b.WriteString(" ")
		b.WriteString(a.spinner.View())
	}
	b.WriteString("\n\n")

	b.WriteString(a.view.View())
	b.WriteString("\n")
	b.WriteString(a.renderLogs())

	b.WriteString("\n")
	switch {
	case a.done && a.err != nil:
		b.WriteString(a.errorStyle.Render(fmt.Sprintf("Error: %v", a.err)))
		b.WriteString("\n")
		b.WriteString(a.hintStyle.Render("Press q to exit"))
	case a.done:
		msg := a.summary
		if msg == "" {
			msg = "Run complete!"
		}
		b.WriteString(a.doneStyle.Render(msg))
		b.WriteString("\n")
		b.WriteString(a.hintStyle.Render("Press q to exit"))
	default:
		b.WriteString(a.hintStyle.Render("Press q to cancel"))
	}
	b.WriteString("\n")

	return b.String()
}

func (a *RunApp) renderLogs() string {
	if len(a.logs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("252")).
		Render("Activity"))
	b.WriteString("\n")

	for _, entry := range a.logs {
		ts := a.logTimeStyle.Render(entry.Timestamp.Format("15:04:05"))
		style := a.logStyle
		if entry.Failed {
			style = a.errorStyle
		}
		b.WriteString(fmt.Sprintf("  %s %s\n", ts, style.Render(entry.Message)))
	}
	return b.String()
}

// NewRunProgram creates a new bubbletea program for the run dashboard.
func NewRunProgram() (*tea.Program, *RunApp) {
	app := NewRunApp()
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}
