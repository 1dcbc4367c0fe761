// Package decompose splits a task spec into atomic subtasks and infers the
// ordering dependencies between them.
package decompose

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/pkg/models"
)

const (
	// DefaultMaxSubtasks bounds the number of emitted subtasks per run.
	DefaultMaxSubtasks = 10000
	// DefaultMaxDepth is used when a non-positive depth is requested.
	DefaultMaxDepth = 6
)

// Decomposition is the output of one Decompose call.
type Decomposition struct {
	// Subtasks are the emitted leaves in breadth-first order.
	Subtasks []*models.Subtask
	// Truncated is set when the safety cap stopped decomposition early.
	Truncated bool
	// MaxDepth is the deepest level a subtask was emitted at.
	MaxDepth int
}

// ByID indexes the subtasks by ID.
func (d *Decomposition) ByID() map[string]*models.Subtask {
	m := make(map[string]*models.Subtask, len(d.Subtasks))
	for _, st := range d.Subtasks {
		m[st.ID] = st
	}
	return m
}

// Decomposer breaks a task spec into subtasks breadth-first.
type Decomposer struct {
	maxSubtasks int
	newSuffix   func() string
	logger      *zap.Logger
}

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithMaxSubtasks overrides the safety cap on emitted subtasks.
func WithMaxSubtasks(n int) Option {
	return func(d *Decomposer) {
		if n > 0 {
			d.maxSubtasks = n
		}
	}
}

// WithIDGenerator sets the function producing the random part of subtask IDs.
func WithIDGenerator(fn func() string) Option {
	return func(d *Decomposer) {
		if fn != nil {
			d.newSuffix = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Decomposer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDecomposer creates a Decomposer.
func NewDecomposer(opts ...Option) *Decomposer {
	d := &Decomposer{
		maxSubtasks: DefaultMaxSubtasks,
		newSuffix:   defaultSuffix,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func defaultSuffix() string {
	return uuid.New().String()[:4]
}

// node is one entry of the breadth-first work queue.
type node struct {
	id         string
	parentID   string
	parentPath string
	kind       models.SplitKind
	target     string
	complexity float64
	depth      int
	// spec is set only for the root.
	spec *models.TaskSpec
}

type splitPoint struct {
	kind       models.SplitKind
	target     string
	complexity float64
}

// Decompose expands spec into subtasks. Items at maxDepth, or whose split
// kind already satisfies granularity, are emitted without further splitting.
// Hitting the safety cap is not an error: the truncated set is returned with
// Truncated set.
func (d *Decomposer) Decompose(spec *models.TaskSpec, maxDepth int, granularity models.Granularity) (*Decomposition, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if granularity == "" {
		granularity = models.GranularityFunction
	}
	if !granularity.Valid() {
		return nil, fmt.Errorf("invalid min granularity %q", granularity)
	}

	out := &Decomposition{}
	queue := []node{{
		id:         spec.ID,
		complexity: spec.Complexity,
		spec:       spec,
	}}

	for len(queue) > 0 {
		if len(out.Subtasks) >= d.maxSubtasks {
			out.Truncated = true
			break
		}
		n := queue[0]
		queue = queue[1:]

		if n.spec == nil && (n.depth >= maxDepth || granularity.Satisfies(n.kind)) {
			d.emit(out, n)
			continue
		}

		points := splitPoints(n)
		if len(points) <= 1 {
			if n.spec != nil {
				// A root that cannot be split still yields one subtask.
				d.emit(out, d.child(n, points[0], 0))
			} else {
				d.emit(out, n)
			}
			continue
		}

		for i, p := range points {
			queue = append(queue, d.child(n, p, i))
		}
	}

	if out.Truncated {
		d.logger.Warn("decomposition truncated at safety cap",
			zap.String("spec", spec.ID),
			zap.Int("cap", d.maxSubtasks),
			zap.Int("pending", len(queue)))
	}
	d.logger.Debug("decomposed task",
		zap.String("spec", spec.ID),
		zap.Int("subtasks", len(out.Subtasks)),
		zap.Int("max_depth", out.MaxDepth))

	return out, nil
}

func (d *Decomposer) child(parent node, p splitPoint, index int) node {
	path := parent.id
	if parent.parentPath != "" {
		path = parent.parentPath + "." + parent.id
	}
	return node{
		id:         fmt.Sprintf("%s-%s%d", parent.id, d.newSuffix(), index),
		parentID:   parent.id,
		parentPath: path,
		kind:       p.kind,
		target:     p.target,
		complexity: p.complexity,
		depth:      parent.depth + 1,
	}
}

func (d *Decomposer) emit(out *Decomposition, n node) {
	out.Subtasks = append(out.Subtasks, &models.Subtask{
		ID:                n.id,
		ParentID:          n.parentID,
		ParentPath:        n.parentPath,
		Kind:              n.kind,
		Target:            n.target,
		Complexity:        n.complexity,
		EstimatedDuration: models.EstimateDuration(n.complexity),
		Depth:             n.depth,
		Status:            models.SubtaskStatusPending,
	})
	if n.depth > out.MaxDepth {
		out.MaxDepth = n.depth
	}
}

// splitPoints returns the ways n can be split, in priority order: explicit
// files, functions, components and features, then the sentences of the
// description, then a single task fallback.
func splitPoints(n node) []splitPoint {
	if n.spec == nil {
		// Below the root only component and feature targets carry text worth splitting.
		if n.kind == models.SplitKindComponent || n.kind == models.SplitKindFeature {
			return sentencePoints(n.target)
		}
		return nil
	}

	spec := n.spec
	var points []splitPoint
	for _, f := range spec.Files {
		points = append(points, splitPoint{models.SplitKindFile, f, models.SplitKindFile.Weight(spec.Complexity)})
	}
	for _, f := range spec.Functions {
		points = append(points, splitPoint{models.SplitKindFunction, f, models.SplitKindFunction.Weight(0)})
	}
	for _, c := range spec.Components {
		points = append(points, splitPoint{models.SplitKindComponent, c, models.SplitKindComponent.Weight(0)})
	}
	for _, f := range spec.Features {
		points = append(points, splitPoint{models.SplitKindFeature, f, models.SplitKindFeature.Weight(0)})
	}
	if len(points) == 0 {
		points = sentencePoints(spec.Description)
	}
	if len(points) == 0 {
		points = append(points, splitPoint{models.SplitKindTask, spec.ID, models.SplitKindTask.Weight(0)})
	}
	return points
}

func sentencePoints(text string) []splitPoint {
	var points []splitPoint
	for _, s := range strings.Split(text, ".") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		points = append(points, splitPoint{models.SplitKindSentence, s, models.SplitKindSentence.Weight(0)})
	}
	return points
}
