package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SplitKind identifies which facet of a parent produced a subtask.
type SplitKind string

const (
	// SplitKindFile splits along an explicit file path.
	SplitKindFile SplitKind = "file"
	// SplitKindFunction splits along a function name.
	SplitKindFunction SplitKind = "function"
	// SplitKindComponent splits along a component name.
	SplitKindComponent SplitKind = "component"
	// SplitKindFeature splits along a feature name.
	SplitKindFeature SplitKind = "feature"
	// SplitKindSentence splits the free-text description on sentence boundaries.
	SplitKindSentence SplitKind = "sentence"
	// SplitKindTask is the non-splittable fallback.
	SplitKindTask SplitKind = "task"
)

// Valid returns true if the kind is a known value.
func (k SplitKind) Valid() bool {
	switch k {
	case SplitKindFile, SplitKindFunction, SplitKindComponent, SplitKindFeature, SplitKindSentence, SplitKindTask:
		return true
	default:
		return false
	}
}

// Weight returns the default complexity weight for a subtask of this kind.
// For file splits the parent complexity is used when it is non-zero.
func (k SplitKind) Weight(parentComplexity float64) float64 {
	switch k {
	case SplitKindFile:
		if parentComplexity > 0 {
			return parentComplexity
		}
		return 1.0
	case SplitKindFunction:
		return 0.5
	case SplitKindComponent:
		return 0.8
	case SplitKindFeature:
		return 1.2
	case SplitKindSentence:
		return 0.3
	default:
		return 1.0
	}
}

// Atomic reports whether subtasks of this kind are never split further.
func (k SplitKind) Atomic() bool {
	switch k {
	case SplitKindFile, SplitKindFunction, SplitKindSentence, SplitKindTask:
		return true
	default:
		return false
	}
}

// Granularity is the coarsest split kind that is emitted as a leaf.
type Granularity string

const (
	GranularityFile     Granularity = "file"
	GranularityFunction Granularity = "function"
)

// Valid returns true if the granularity is a known value.
func (g Granularity) Valid() bool {
	return g == GranularityFile || g == GranularityFunction
}

// Satisfies reports whether a subtask of the given kind is fine-grained enough.
func (g Granularity) Satisfies(k SplitKind) bool {
	return string(k) == string(g) || k.Atomic()
}

// SubtaskStatus represents the execution state of a subtask.
type SubtaskStatus string

const (
	// SubtaskStatusPending indicates the subtask has not started.
	SubtaskStatusPending SubtaskStatus = "pending"
	// SubtaskStatusRunning indicates the subtask is executing.
	SubtaskStatusRunning SubtaskStatus = "running"
	// SubtaskStatusCompleted indicates the subtask succeeded.
	SubtaskStatusCompleted SubtaskStatus = "completed"
	// SubtaskStatusFailed indicates the subtask failed or timed out.
	SubtaskStatusFailed SubtaskStatus = "failed"
	// SubtaskStatusBlocked indicates a dependency failed so the subtask never ran.
	SubtaskStatusBlocked SubtaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s SubtaskStatus) Valid() bool {
	switch s {
	case SubtaskStatusPending, SubtaskStatusRunning, SubtaskStatusCompleted, SubtaskStatusFailed, SubtaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are expected.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskStatusCompleted || s == SubtaskStatusFailed || s == SubtaskStatusBlocked
}

// Thresholds overrides the large-job classification limits for one TaskSpec.
type Thresholds struct {
	MinSubtasks   int     `json:"min_subtasks,omitempty" yaml:"min_subtasks,omitempty" toml:"min_subtasks,omitempty"`
	MinFiles      int     `json:"min_files,omitempty" yaml:"min_files,omitempty" toml:"min_files,omitempty"`
	MinComplexity float64 `json:"min_complexity,omitempty" yaml:"min_complexity,omitempty" toml:"min_complexity,omitempty"`
}

// TaskSpec describes one unit of work and its splittable facets.
// It must not be modified once decomposition has started.
type TaskSpec struct {
	// ID is the unique identifier of the job.
	ID string `json:"id" yaml:"id" toml:"id"`
	// ParentID is the ID of the enclosing job, if any.
	ParentID string `json:"parent_id,omitempty" yaml:"parent_id,omitempty" toml:"parent_id,omitempty"`
	// Description is the free-text statement of the work.
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	// Files lists file paths touched by the work.
	Files []string `json:"files,omitempty" yaml:"files,omitempty" toml:"files,omitempty"`
	// Functions lists function names touched by the work.
	Functions []string `json:"functions,omitempty" yaml:"functions,omitempty" toml:"functions,omitempty"`
	// Components lists component names touched by the work.
	Components []string `json:"components,omitempty" yaml:"components,omitempty" toml:"components,omitempty"`
	// Features lists feature names delivered by the work.
	Features []string `json:"features,omitempty" yaml:"features,omitempty" toml:"features,omitempty"`
	// Complexity is the relative weight of the job.
	Complexity float64 `json:"complexity,omitempty" yaml:"complexity,omitempty" toml:"complexity,omitempty"`
	// Repo is the path of the repository the work applies to.
	Repo string `json:"repo,omitempty" yaml:"repo,omitempty" toml:"repo,omitempty"`
	// Kind classifies the job, e.g. "refactor" or "migration".
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty" toml:"kind,omitempty"`
	// Thresholds overrides large-job classification limits.
	Thresholds *Thresholds `json:"thresholds,omitempty" yaml:"thresholds,omitempty" toml:"thresholds,omitempty"`
}

// ErrInvalidTaskSpec is returned for malformed task specs.
var ErrInvalidTaskSpec = errors.New("invalid task spec")

// Validate checks the task spec for programmer errors.
func (s *TaskSpec) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil spec", ErrInvalidTaskSpec)
	}
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTaskSpec)
	}
	if s.Complexity < 0 || math.IsNaN(s.Complexity) || math.IsInf(s.Complexity, 0) {
		return fmt.Errorf("%w: complexity must be a finite value >= 0", ErrInvalidTaskSpec)
	}
	return nil
}

// Subtask is one atomic unit of decomposed work.
type Subtask struct {
	// ID is unique within the decomposition run.
	ID string `json:"id"`
	// ParentID is the ID of the item this subtask was split from.
	ParentID string `json:"parent_id"`
	// ParentPath is the dotted chain of ancestor IDs.
	ParentPath string `json:"parent_path"`
	// Kind is the facet the subtask was split along.
	Kind SplitKind `json:"kind"`
	// Target is the file, function, component, feature or sentence value.
	Target string `json:"target"`
	// Complexity is the relative weight of the subtask.
	Complexity float64 `json:"complexity"`
	// EstimatedDuration is derived from Complexity.
	EstimatedDuration time.Duration `json:"estimated_duration"`
	// Depth is the decomposition level the subtask was emitted at.
	Depth int `json:"depth"`
	// Dependencies lists subtask IDs that must complete first.
	Dependencies []string `json:"dependencies,omitempty"`
	// Status is the current execution state.
	Status SubtaskStatus `json:"status"`
}

// EstimateDuration converts a complexity weight to an estimated run time
// of ceil(complexity*1000) milliseconds.
func EstimateDuration(complexity float64) time.Duration {
	return time.Duration(math.Ceil(complexity*1000)) * time.Millisecond
}

// HasDependency returns true if id is already listed as a dependency.
func (s *Subtask) HasDependency(id string) bool {
	for _, d := range s.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// AddDependency appends id unless it is already present or refers to s itself.
func (s *Subtask) AddDependency(id string) bool {
	if id == s.ID || s.HasDependency(id) {
		return false
	}
	s.Dependencies = append(s.Dependencies, id)
	return true
}
