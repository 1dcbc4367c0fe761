package models

import "time"

// Result is the outcome of executing one subtask.
type Result struct {
	// SubtaskID identifies the subtask this result belongs to.
	SubtaskID string `json:"subtask_id"`
	// Success is true if the subtask completed without error.
	Success bool `json:"success"`
	// Output is the worker output on success.
	Output string `json:"output,omitempty"`
	// Error describes the failure, if any.
	Error string `json:"error,omitempty"`
	// Duration is the wall time spent executing.
	Duration time.Duration `json:"duration"`
	// Blocked is true if the subtask never ran because a dependency failed.
	Blocked bool `json:"blocked,omitempty"`
}

// Metrics aggregates results across a run.
type Metrics struct {
	Total         int           `json:"total"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	Blocked       int           `json:"blocked"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Layer is a set of subtask IDs with no dependency between members.
type Layer []string

// LayerPlan is the output of the layering engine.
type LayerPlan struct {
	// Layers are the waves in execution order.
	Layers []Layer `json:"layers"`
	// Unscheduled lists nodes that could not be placed due to a cycle.
	Unscheduled []string `json:"unscheduled,omitempty"`
	// Warning is set when Unscheduled is non-empty.
	Warning string `json:"warning,omitempty"`
}

// Scheduled returns the number of nodes placed in a layer.
func (p LayerPlan) Scheduled() int {
	n := 0
	for _, l := range p.Layers {
		n += len(l)
	}
	return n
}

// Timings records wall time spent in each stage of a run.
type Timings struct {
	Decompose time.Duration `json:"decompose"`
	Analyze   time.Duration `json:"analyze"`
	Layer     time.Duration `json:"layer"`
	Execute   time.Duration `json:"execute"`
	Total     time.Duration `json:"total"`
}
