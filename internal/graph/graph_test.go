package graph

import (
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func subtasks(deps map[string][]string, order ...string) []*models.Subtask {
	out := make([]*models.Subtask, 0, len(order))
	for _, id := range order {
		out = append(out, &models.Subtask{ID: id, Dependencies: deps[id], Status: models.SubtaskStatusPending})
	}
	return out
}

func TestBuild_UnknownDependencyIsLoggedAndIgnored(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	g := New()
	g.SetLogger(zap.New(core))

	deps := map[string][]string{"a": {"missing"}, "b": {"a", "gone"}}
	if ignored := g.Build(subtasks(deps, "a", "b")); ignored != 2 {
		t.Errorf("ignored = %d, want 2", ignored)
	}

	entries := logs.FilterMessage("ignoring unknown dependency").All()
	if len(entries) != 2 {
		t.Fatalf("got %d warnings, want 2", len(entries))
	}
	if got := entries[0].ContextMap(); got["subtask"] != "a" || got["dependency"] != "missing" {
		t.Errorf("first warning fields = %v", got)
	}

	if got := g.Edges(); !reflect.DeepEqual(got, []Edge{{From: "a", To: "b"}}) {
		t.Errorf("Edges = %v", got)
	}
	want := []models.Layer{{"a"}, {"b"}}
	if plan := g.Layers(); !reflect.DeepEqual(plan.Layers, want) || plan.Warning != "" {
		t.Errorf("Layers = %+v, want %v", plan, want)
	}
}

func TestBuild_AcceptsCycles(t *testing.T) {
	g := New()
	if ignored := g.Build(subtasks(map[string][]string{"a": {"b"}, "b": {"a"}}, "a", "b")); ignored != 0 {
		t.Fatalf("ignored = %d", ignored)
	}
	if !g.HasCycle() {
		t.Error("expected HasCycle to be true")
	}

	cycle := g.FindCycle()
	if len(cycle) != 3 || cycle[0] != cycle[2] {
		t.Errorf("FindCycle = %v, want a closed path of length 3", cycle)
	}
}

func TestLayers_CycleWarningNamesCycle(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	g := New()
	g.SetLogger(zap.New(core))
	deps := map[string][]string{"a": {"b"}, "b": {"a"}}
	g.Build(subtasks(deps, "a", "b", "c"))

	plan := g.Layers()
	if !reflect.DeepEqual(plan.Layers, []models.Layer{{"c"}}) || !reflect.DeepEqual(plan.Unscheduled, []string{"a", "b"}) {
		t.Errorf("plan = %+v", plan)
	}
	entries := logs.FilterMessage("cycle left subtasks unscheduled").All()
	if len(entries) != 1 {
		t.Fatalf("got %d cycle warnings, want 1", len(entries))
	}
	if cycle, ok := entries[0].ContextMap()["cycle"].([]interface{}); !ok || len(cycle) != 3 {
		t.Errorf("cycle field = %v", entries[0].ContextMap()["cycle"])
	}
}

func TestLayers_FromSubtasks(t *testing.T) {
	g := New()
	deps := map[string][]string{"B": {"A"}, "C": {"A"}, "D": {"B", "C"}}
	g.Build(subtasks(deps, "A", "B", "C", "D"))

	plan := g.Layers()
	want := []models.Layer{{"A"}, {"B", "C"}, {"D"}}
	if !reflect.DeepEqual(plan.Layers, want) {
		t.Errorf("Layers = %v, want %v", plan.Layers, want)
	}
	if g.HasCycle() {
		t.Error("diamond should be acyclic")
	}
	if g.Size() != 4 {
		t.Errorf("Size = %d, want 4", g.Size())
	}
}
