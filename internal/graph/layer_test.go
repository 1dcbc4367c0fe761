package graph

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func TestLayer_Diamond(t *testing.T) {
	plan := Layer(
		[]string{"D", "C", "B", "A"},
		[]Edge{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}},
	)

	want := []models.Layer{{"A"}, {"B", "C"}, {"D"}}
	if !reflect.DeepEqual(plan.Layers, want) {
		t.Errorf("Layers = %v, want %v", plan.Layers, want)
	}
	if len(plan.Unscheduled) != 0 || plan.Warning != "" {
		t.Errorf("expected no unscheduled nodes, got %v (%q)", plan.Unscheduled, plan.Warning)
	}
}

func TestLayer_CycleWithIndependentNode(t *testing.T) {
	plan := Layer(
		[]string{"X", "Y", "Z", "W"},
		[]Edge{{"X", "Y"}, {"Y", "Z"}, {"Z", "X"}},
	)

	if want := []models.Layer{{"W"}}; !reflect.DeepEqual(plan.Layers, want) {
		t.Errorf("Layers = %v, want %v", plan.Layers, want)
	}
	if want := []string{"X", "Y", "Z"}; !reflect.DeepEqual(plan.Unscheduled, want) {
		t.Errorf("Unscheduled = %v, want %v", plan.Unscheduled, want)
	}
	if plan.Warning == "" {
		t.Error("expected a cycle warning")
	}
}

func TestLayer_NodesBehindCycleAreUnscheduled(t *testing.T) {
	plan := Layer(
		[]string{"a", "b", "c"},
		[]Edge{{"a", "b"}, {"b", "a"}, {"b", "c"}},
	)

	if len(plan.Layers) != 0 {
		t.Errorf("expected no layers, got %v", plan.Layers)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(plan.Unscheduled, want) {
		t.Errorf("Unscheduled = %v, want %v", plan.Unscheduled, want)
	}
}

func TestLayer_IgnoresDuplicatesAndUnknownEndpoints(t *testing.T) {
	plan := Layer(
		[]string{"a", "b", "a"},
		[]Edge{{"a", "b"}, {"a", "b"}, {"ghost", "b"}, {"a", "ghost"}},
	)

	want := []models.Layer{{"a"}, {"b"}}
	if !reflect.DeepEqual(plan.Layers, want) {
		t.Errorf("Layers = %v, want %v", plan.Layers, want)
	}
}

func TestLayer_Empty(t *testing.T) {
	plan := Layer(nil, nil)
	if len(plan.Layers) != 0 || len(plan.Unscheduled) != 0 {
		t.Errorf("expected empty plan, got %+v", plan)
	}
}

// TestLayer_RandomDAGs checks coverage and ordering on generated graphs.
func TestLayer_RandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 50; iter++ {
		n := rng.Intn(40) + 1
		nodes := make([]string, n)
		for i := range nodes {
			nodes[i] = fmt.Sprintf("n%02d", i)
		}
		var edges []Edge
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rng.Float64() < 0.1 {
					edges = append(edges, Edge{nodes[i], nodes[j]})
				}
			}
		}

		plan := Layer(nodes, edges)
		idx := LayerIndex(plan)

		if len(plan.Unscheduled) != 0 {
			t.Fatalf("iteration %d: acyclic graph left %v unscheduled", iter, plan.Unscheduled)
		}
		if len(idx) != n || plan.Scheduled() != n {
			t.Fatalf("iteration %d: placed %d of %d nodes", iter, plan.Scheduled(), n)
		}
		for _, e := range edges {
			if idx[e.From] >= idx[e.To] {
				t.Errorf("iteration %d: edge %s->%s violates order (%d >= %d)",
					iter, e.From, e.To, idx[e.From], idx[e.To])
			}
		}
	}
}

func TestLayer_CoverageWithCycles(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for iter := 0; iter < 50; iter++ {
		n := rng.Intn(30) + 2
		nodes := make([]string, n)
		for i := range nodes {
			nodes[i] = fmt.Sprintf("n%02d", i)
		}
		var edges []Edge
		for k := 0; k < n; k++ {
			edges = append(edges, Edge{nodes[rng.Intn(n)], nodes[rng.Intn(n)]})
		}

		plan := Layer(nodes, edges)

		seen := make(map[string]int)
		for _, l := range plan.Layers {
			for _, id := range l {
				seen[id]++
			}
		}
		for _, id := range plan.Unscheduled {
			seen[id]++
		}
		if len(seen) != n {
			t.Fatalf("iteration %d: union covers %d of %d nodes", iter, len(seen), n)
		}
		for id, c := range seen {
			if c != 1 {
				t.Errorf("iteration %d: node %s appears %d times", iter, id, c)
			}
		}
	}
}

func TestEdgesFromSubtasks(t *testing.T) {
	subtasks := []*models.Subtask{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a", "b"}},
	}

	got := EdgesFromSubtasks(subtasks)
	want := []Edge{{"a", "b"}, {"a", "c"}, {"b", "c"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EdgesFromSubtasks = %v, want %v", got, want)
	}
}
