package graph

import (
	"fmt"
	"sort"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Edge is a must-precede pair: From runs before To.
type Edge struct {
	From string
	To   string
}

// Layer groups nodes into waves with Kahn's algorithm. Every member of a
// wave depends only on members of earlier waves. Nodes on or behind a cycle
// are left out of every wave and listed in Unscheduled with a warning; the
// waves that could be computed are still returned.
//
// Duplicate nodes and edges are collapsed. Edges that reference a node
// outside the node set are ignored.
func Layer(nodes []string, edges []Edge) models.LayerPlan {
	known := make(map[string]bool, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if !known[n] {
			known[n] = true
			order = append(order, n)
		}
	}

	inDegree := make(map[string]int, len(order))
	successors := make(map[string][]string, len(order))
	seen := make(map[Edge]bool, len(edges))
	for _, n := range order {
		inDegree[n] = 0
	}
	for _, e := range edges {
		if !known[e.From] || !known[e.To] || seen[e] {
			continue
		}
		seen[e] = true
		successors[e.From] = append(successors[e.From], e.To)
		inDegree[e.To]++
	}

	var frontier []string
	for _, n := range order {
		if inDegree[n] == 0 {
			frontier = append(frontier, n)
		}
	}

	var plan models.LayerPlan
	placed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		plan.Layers = append(plan.Layers, models.Layer(frontier))
		placed += len(frontier)

		var next []string
		for _, n := range frontier {
			for _, s := range successors[n] {
				inDegree[s]--
				if inDegree[s] == 0 {
					next = append(next, s)
				}
			}
		}
		frontier = next
	}

	if placed < len(order) {
		for _, n := range order {
			if inDegree[n] > 0 {
				plan.Unscheduled = append(plan.Unscheduled, n)
			}
		}
		sort.Strings(plan.Unscheduled)
		plan.Warning = fmt.Sprintf("%s: %d of %d nodes could not be scheduled",
			ErrCycleDetected, len(plan.Unscheduled), len(order))
	}

	return plan
}

// EdgesFromSubtasks converts subtask dependency lists into edges.
func EdgesFromSubtasks(subtasks []*models.Subtask) []Edge {
	var edges []Edge
	for _, st := range subtasks {
		for _, dep := range st.Dependencies {
			edges = append(edges, Edge{From: dep, To: st.ID})
		}
	}
	return edges
}

// LayerIndex maps every scheduled node to the index of its wave.
func LayerIndex(plan models.LayerPlan) map[string]int {
	idx := make(map[string]int, plan.Scheduled())
	for i, l := range plan.Layers {
		for _, n := range l {
			idx[n] = i
		}
	}
	return idx
}
