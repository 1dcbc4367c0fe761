package tui

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func TestRunState_Fraction(t *testing.T) {
	tests := []struct {
		name  string
		state RunState
		want  float64
	}{
		{"empty", RunState{}, 0},
		{"half", RunState{Subtasks: 4, Completed: 1, Failed: 1}, 0.5},
		{"unscheduled excluded", RunState{Subtasks: 4, Unscheduled: 2, Completed: 2}, 1},
		{"all unscheduled", RunState{Subtasks: 2, Unscheduled: 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Fraction(); got != tt.want {
				t.Errorf("Fraction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewRunApp(t *testing.T) {
	app := NewRunApp()
	if app == nil {
		t.Fatal("NewRunApp returned nil")
	}
	if app.Init() == nil {
		t.Error("Init should start the spinner")
	}
	if app.Done() {
		t.Error("new app should not be done")
	}
}

func TestRunApp_Messages(t *testing.T) {
	app := NewRunApp()

	app.Update(PlanMsg{JobID: "job1", Mode: "run", Subtasks: 3, Layers: 2, Unscheduled: 1})
	app.Update(LayerStartMsg{Index: 0, Total: 2, Size: 1})
	app.Update(ResultMsg{SubtaskID: "a", Result: models.Result{SubtaskID: "a", Success: true, Duration: time.Second}})
	app.Update(LayerStartMsg{Index: 1, Total: 2, Size: 1})
	app.Update(ResultMsg{SubtaskID: "b", Target: "b.go", Result: models.Result{SubtaskID: "b", Error: "blocked", Blocked: true}})
	app.Update(BatchDoneMsg{Metrics: models.Metrics{Total: 1, Failed: 1}})

	s := app.State()
	if s.JobID != "job1" || s.Subtasks != 3 || s.Layers != 2 {
		t.Errorf("plan not applied: %+v", s)
	}
	if s.CurrentLayer != 2 || s.LayerTotal != 2 {
		t.Errorf("wave = %d/%d, want 2/2", s.CurrentLayer, s.LayerTotal)
	}
	if s.Completed != 1 || s.Failed != 1 || s.Blocked != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", s.Completed, s.Failed, s.Blocked)
	}
	if s.Batches != 1 {
		t.Errorf("Batches = %d, want 1", s.Batches)
	}
	if s.WorkTime != time.Second {
		t.Errorf("WorkTime = %v, want 1s", s.WorkTime)
	}
	if s.Fraction() != 1 {
		t.Errorf("Fraction() = %v, want 1", s.Fraction())
	}

	var failed int
	for _, e := range app.Logs() {
		if e.Failed {
			failed++
			if !strings.Contains(e.Message, "b.go") {
				t.Errorf("failure log %q missing target", e.Message)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failure log entries = %d, want 1", failed)
	}
}

func TestRunApp_LogIsBounded(t *testing.T) {
	app := NewRunApp()
	for i := 0; i < maxLogEntries*2; i++ {
		app.Update(LogMsg{Timestamp: time.Now(), Message: "line"})
	}
	if got := len(app.Logs()); got != maxLogEntries {
		t.Errorf("len(Logs()) = %d, want %d", got, maxLogEntries)
	}
}

func TestRunApp_QuitKeys(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
	} {
		app := NewRunApp()
		_, cmd := app.Update(key)
		if cmd == nil {
			t.Fatalf("%q: expected quit command", key.String())
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%q: expected tea.QuitMsg", key.String())
		}
		if !strings.Contains(app.View(), "cancelled") {
			t.Errorf("%q: view should report cancellation", key.String())
		}
	}
}

func TestRunApp_View(t *testing.T) {
	app := NewRunApp()
	app.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	app.Update(PlanMsg{JobID: "job1", Mode: "battle", Subtasks: 1200, Layers: 3, Warnings: []string{"circular dependency detected"}})

	view := app.View()
	for _, want := range []string{"job1", "battle", "1,200", "circular dependency detected", "Press q to cancel"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	app.Update(DoneMsg{Summary: "3 completed"})
	if !strings.Contains(app.View(), "3 completed") {
		t.Error("done view missing summary")
	}

	app.Update(DoneMsg{Err: errors.New("boom")})
	if !strings.Contains(app.View(), "Error: boom") {
		t.Error("done view missing error")
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (s *recordingSender) Send(msg tea.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func TestObserver(t *testing.T) {
	s := &recordingSender{}
	o := NewObserver(s)

	st := &models.Subtask{ID: "t-1", Kind: models.SplitKindFile, Target: "a.go"}
	o.OnLayerStart(0, 2, models.Layer{"t-1", "t-2"})
	o.OnResult(st, models.Result{SubtaskID: "t-1", Success: true})
	o.OnBatchDone(models.Metrics{Total: 2, Completed: 1})

	if len(s.msgs) != 3 {
		t.Fatalf("sent %d messages, want 3", len(s.msgs))
	}
	if m, ok := s.msgs[0].(LayerStartMsg); !ok || m.Size != 2 || m.Total != 2 {
		t.Errorf("first message = %#v", s.msgs[0])
	}
	if m, ok := s.msgs[1].(ResultMsg); !ok || m.SubtaskID != "t-1" || m.Target != "a.go" || !m.Result.Success {
		t.Errorf("second message = %#v", s.msgs[1])
	}
	if m, ok := s.msgs[2].(BatchDoneMsg); !ok || m.Metrics.Completed != 1 {
		t.Errorf("third message = %#v", s.msgs[2])
	}
}
