// Package graph provides the subtask dependency graph and the Kahn layering
// engine used to group subtasks into execution waves.
package graph

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph holds subtasks as nodes and "depends on" relationships as edges.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps subtask ID to the subtask.
	nodes map[string]*models.Subtask
	// order preserves insertion order for deterministic iteration.
	order []string
	// edges maps subtask ID to the IDs it depends on.
	edges  map[string][]string
	logger *zap.Logger
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:  make(map[string]*models.Subtask),
		edges:  make(map[string][]string),
		logger: zap.NewNop(),
	}
}

// SetLogger sets the logger used for debug output.
func (g *DependencyGraph) SetLogger(logger *zap.Logger) {
	if logger != nil {
		g.logger = logger
	}
}

// Build constructs the graph from subtasks. Unlike a strict DAG builder it
// accepts cycles; they surface later through Layers and HasCycle. A
// dependency on an ID outside subtasks is logged and ignored. Build returns
// the number of ignored dependencies.
func (g *DependencyGraph) Build(subtasks []*models.Subtask) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, st := range subtasks {
		if _, dup := g.nodes[st.ID]; !dup {
			g.order = append(g.order, st.ID)
		}
		g.nodes[st.ID] = st
		g.edges[st.ID] = nil
	}

	ignored := 0
	for _, e := range EdgesFromSubtasks(subtasks) {
		if _, exists := g.nodes[e.From]; !exists {
			ignored++
			g.logger.Warn("ignoring unknown dependency",
				zap.String("subtask", e.To), zap.String("dependency", e.From))
			continue
		}
		g.edges[e.To] = append(g.edges[e.To], e.From)
	}

	g.logger.Debug("graph built", zap.Int("nodes", len(g.nodes)), zap.Int("ignored_edges", ignored))
	return ignored
}

// Edges returns all must-precede pairs of the graph.
func (g *DependencyGraph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []Edge
	for _, id := range g.order {
		for _, depID := range g.edges[id] {
			edges = append(edges, Edge{From: depID, To: id})
		}
	}
	return edges
}

// Layers groups the graph into execution waves.
func (g *DependencyGraph) Layers() models.LayerPlan {
	g.mu.RLock()
	nodes := append([]string(nil), g.order...)
	g.mu.RUnlock()

	plan := Layer(nodes, g.Edges())
	if len(plan.Unscheduled) > 0 {
		g.logger.Warn("cycle left subtasks unscheduled",
			zap.Int("unscheduled", len(plan.Unscheduled)),
			zap.Strings("ids", plan.Unscheduled),
			zap.Strings("cycle", g.FindCycle()))
	}
	return plan
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	return len(g.FindCycle()) > 0
}

// FindCycle returns one cycle as a path of IDs whose last element repeats
// the first, or nil if the graph is acyclic. Uses depth-first search with
// white/gray/black coloring.
func (g *DependencyGraph) FindCycle() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				for i, s := range stack {
					if s == depID {
						cycle = append(append([]string(nil), stack[i:]...), depID)
						break
					}
				}
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// Size returns the number of subtasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
