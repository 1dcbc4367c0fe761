// Package engine wires decomposition, dependency analysis, layering and
// wave execution into the two entrypoints used by the CLI: direct
// execution and branch-partitioned battle runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/decompose"
	"github.com/ShayCichocki/conductor/internal/executor"
	"github.com/ShayCichocki/conductor/internal/graph"
	"github.com/ShayCichocki/conductor/internal/metrics"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrNoWorker is returned when execution is requested without a worker callback.
var ErrNoWorker = errors.New("no worker function")

// Store persists run reports.
type Store interface {
	SaveRun(ctx context.Context, run *state.Run, results []models.Result) error
}

// Options control one decompose-and-execute call. Zero values fall back to
// the package defaults of decompose and executor.
type Options struct {
	// JobID names the run. A short random ID is generated when empty.
	JobID          string
	MaxDepth       int
	MinGranularity models.Granularity
	MaxSubtasks    int
	// MaxWorkers bounds concurrent subtasks within a wave.
	MaxWorkers int
	BatchSize  int
	Timeout    time.Duration
	// RunDependentsOnFailure runs dependents of failed subtasks instead of
	// recording them as blocked.
	RunDependentsOnFailure bool
	WorkerFn               executor.WorkerFunc

	// OnPlan, when set, is called with the plan before execution starts.
	OnPlan   func(p *Plan)
	Observer executor.Observer
	Store    Store
	Logger   *zap.Logger
	Metrics  *metrics.Executor
	Clock    clock.Clock
}

// OptionsFromConfig fills Options from the decompose and executor sections.
// WorkerFn, Store and the observability fields are left for the caller.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxDepth:               cfg.Decompose.MaxDepth,
		MinGranularity:         models.Granularity(cfg.Decompose.MinGranularity),
		MaxSubtasks:            cfg.Decompose.MaxSubtasks,
		MaxWorkers:             cfg.Executor.MaxConcurrency,
		BatchSize:              cfg.Executor.BatchSize,
		Timeout:                cfg.Executor.TaskTimeout,
		RunDependentsOnFailure: !cfg.Executor.BlockOnFailure,
	}
}

func (o *Options) setDefaults() {
	if o.JobID == "" {
		o.JobID = NewJobID()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

func (o *Options) executor() *executor.WaveExecutor {
	opts := []executor.Option{
		executor.WithMaxConcurrency(o.MaxWorkers),
		executor.WithBatchSize(o.BatchSize),
		executor.WithTaskTimeout(o.Timeout),
		executor.WithBlockOnFailure(!o.RunDependentsOnFailure),
		executor.WithLogger(o.Logger),
	}
	if o.Metrics != nil {
		opts = append(opts, executor.WithMetrics(o.Metrics))
	}
	if o.Observer != nil {
		opts = append(opts, executor.WithObserver(o.Observer))
	}
	return executor.New(opts...)
}

// NewJobID returns a short random job ID.
func NewJobID() string {
	return uuid.New().String()[:8]
}

// Plan is a decomposed, dependency-annotated and layered TaskSpec.
type Plan struct {
	JobID     string
	Spec      *models.TaskSpec
	Subtasks  []*models.Subtask
	Edges     int
	Layers    models.LayerPlan
	Truncated bool
	// Depth is the deepest level a subtask was emitted at.
	Depth     int
	StartedAt time.Time
	Timings   models.Timings
}

// ByID indexes the plan's subtasks.
func (p *Plan) ByID() map[string]*models.Subtask {
	m := make(map[string]*models.Subtask, len(p.Subtasks))
	for _, st := range p.Subtasks {
		m[st.ID] = st
	}
	return m
}

// Warnings lists the non-fatal conditions found while planning.
func (p *Plan) Warnings() []string {
	var w []string
	if p.Truncated {
		w = append(w, fmt.Sprintf("decomposition truncated at %d subtasks", len(p.Subtasks)))
	}
	if p.Layers.Warning != "" {
		w = append(w, p.Layers.Warning)
	}
	return w
}

// Scheduled returns the subtasks placed in a layer, in emission order.
func (p *Plan) Scheduled() []*models.Subtask {
	idx := graph.LayerIndex(p.Layers)
	out := make([]*models.Subtask, 0, len(idx))
	for _, st := range p.Subtasks {
		if _, ok := idx[st.ID]; ok {
			out = append(out, st)
		}
	}
	return out
}

// BuildPlan decomposes spec, infers dependencies and layers the result.
// Only a malformed spec or granularity is an error; truncation and cycles
// are reported through Warnings.
func BuildPlan(spec *models.TaskSpec, opts Options) (*Plan, error) {
	opts.setDefaults()
	return buildPlan(spec, &opts)
}

func buildPlan(spec *models.TaskSpec, opts *Options) (*Plan, error) {
	clk := opts.Clock
	start := clk.Now()

	d := decompose.NewDecomposer(
		decompose.WithMaxSubtasks(opts.MaxSubtasks),
		decompose.WithLogger(opts.Logger),
	)
	dec, err := d.Decompose(spec, opts.MaxDepth, opts.MinGranularity)
	if err != nil {
		return nil, fmt.Errorf("decompose %s: %w", specID(spec), err)
	}
	decomposed := clk.Now()

	edges := decompose.AnnotateDependencies(dec.Subtasks)
	analyzed := clk.Now()

	g := graph.New()
	g.SetLogger(opts.Logger.With(zap.String("job", opts.JobID)))
	g.Build(dec.Subtasks)
	layers := g.Layers()
	layered := clk.Now()

	p := &Plan{
		JobID:     opts.JobID,
		Spec:      spec,
		Subtasks:  dec.Subtasks,
		Edges:     edges,
		Layers:    layers,
		Truncated: dec.Truncated,
		Depth:     dec.MaxDepth,
		StartedAt: start,
		Timings: models.Timings{
			Decompose: decomposed.Sub(start),
			Analyze:   analyzed.Sub(decomposed),
			Layer:     layered.Sub(analyzed),
			Total:     layered.Sub(start),
		},
	}
	opts.Logger.Info("plan built",
		zap.String("job", p.JobID),
		zap.String("spec", spec.ID),
		zap.Int("subtasks", len(p.Subtasks)),
		zap.Int("edges", edges),
		zap.Int("layers", len(layers.Layers)),
		zap.Bool("truncated", p.Truncated))
	return p, nil
}

// SavePlan records p in store as a plan-only run without results.
func SavePlan(ctx context.Context, store Store, p *Plan) error {
	r := &Report{
		JobID:        p.JobID,
		SpecID:       p.Spec.ID,
		SubtaskCount: len(p.Subtasks),
		LayerCount:   len(p.Layers.Layers),
		Timings:      p.Timings,
		Unscheduled:  p.Layers.Unscheduled,
		Warnings:     p.Warnings(),
		Truncated:    p.Truncated,
		StartedAt:    p.StartedAt,
	}
	return store.SaveRun(ctx, r.run(state.RunModePlan, p.Spec), nil)
}

func specID(spec *models.TaskSpec) string {
	if spec == nil {
		return "<nil>"
	}
	return spec.ID
}

// Report is the outcome of DecomposeAndExecute.
type Report struct {
	JobID        string                   `json:"job_id"`
	SpecID       string                   `json:"spec_id"`
	SubtaskCount int                      `json:"subtask_count"`
	LayerCount   int                      `json:"layer_count"`
	Results      map[string]models.Result `json:"results"`
	Metrics      models.Metrics           `json:"metrics"`
	Timings      models.Timings           `json:"timings"`
	Unscheduled  []string                 `json:"unscheduled,omitempty"`
	Warnings     []string                 `json:"warnings,omitempty"`
	Truncated    bool                     `json:"truncated"`
	StartedAt    time.Time                `json:"started_at"`
	// Subtasks are the decomposed subtasks in emission order.
	Subtasks []*models.Subtask `json:"-"`
}

// Success reports whether every scheduled subtask completed.
func (r *Report) Success() bool {
	return r.Metrics.Failed == 0 && r.Metrics.Completed == r.Metrics.Total
}

// OrderedResults returns the results in subtask emission order.
func (r *Report) OrderedResults() []models.Result {
	out := make([]models.Result, 0, len(r.Results))
	for _, st := range r.Subtasks {
		if res, ok := r.Results[st.ID]; ok {
			out = append(out, res)
		}
	}
	return out
}

// DecomposeAndExecute plans spec and runs every scheduled subtask through
// opts.WorkerFn, wave by wave. Subtask failures are results, not errors;
// callers inspect Report.Metrics. Unscheduled (cyclic) subtasks get no
// result entry and are listed in Report.Unscheduled.
func DecomposeAndExecute(ctx context.Context, spec *models.TaskSpec, opts Options) (*Report, error) {
	if opts.WorkerFn == nil {
		return nil, ErrNoWorker
	}
	opts.setDefaults()
	started := opts.Clock.Now()

	plan, err := buildPlan(spec, &opts)
	if err != nil {
		return nil, err
	}
	if opts.OnPlan != nil {
		opts.OnPlan(plan)
	}

	execStart := opts.Clock.Now()
	results, m := opts.executor().RunLayers(ctx, plan.Layers.Layers, plan.ByID(), opts.WorkerFn)
	finished := opts.Clock.Now()

	timings := plan.Timings
	timings.Execute = finished.Sub(execStart)
	timings.Total = finished.Sub(started)

	report := &Report{
		JobID:        plan.JobID,
		SpecID:       spec.ID,
		SubtaskCount: len(plan.Subtasks),
		LayerCount:   len(plan.Layers.Layers),
		Results:      results,
		Metrics:      m,
		Timings:      timings,
		Unscheduled:  plan.Layers.Unscheduled,
		Warnings:     plan.Warnings(),
		Truncated:    plan.Truncated,
		StartedAt:    started,
		Subtasks:     plan.Subtasks,
	}

	if opts.Store != nil {
		if err := opts.Store.SaveRun(ctx, report.run(state.RunModeRun, spec), report.OrderedResults()); err != nil {
			opts.Logger.Warn("failed to persist run", zap.String("job", report.JobID), zap.Error(err))
			report.Warnings = append(report.Warnings, fmt.Sprintf("run not persisted: %v", err))
		}
	}

	opts.Logger.Info("run finished",
		zap.String("job", report.JobID),
		zap.Int("total", m.Total),
		zap.Int("completed", m.Completed),
		zap.Int("failed", m.Failed),
		zap.Int("blocked", m.Blocked),
		zap.Duration("elapsed", timings.Total))
	return report, nil
}

func (r *Report) run(mode state.RunMode, spec *models.TaskSpec) *state.Run {
	return &state.Run{
		JobID:        r.JobID,
		SpecID:       r.SpecID,
		Mode:         mode,
		Spec:         spec,
		SubtaskCount: r.SubtaskCount,
		LayerCount:   r.LayerCount,
		Metrics:      r.Metrics,
		Timings:      r.Timings,
		Unscheduled:  r.Unscheduled,
		Warnings:     r.Warnings,
		Truncated:    r.Truncated,
		StartedAt:    r.StartedAt,
		Duration:     r.Timings.Total,
	}
}
