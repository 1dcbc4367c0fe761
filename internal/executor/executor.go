// Package executor runs layered subtasks wave by wave with bounded
// concurrency, and provides the subtask executors behind the worker
// callback.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/metrics"
	"github.com/ShayCichocki/conductor/pkg/models"
)

const (
	DefaultMaxConcurrency = 64
	DefaultBatchSize      = 100
	DefaultTaskTimeout    = 30 * time.Second
)

var (
	// ErrSubtaskTimeout is recorded for a subtask that outlived its timeout.
	ErrSubtaskTimeout = errors.New("subtask timed out")
	// ErrSubtaskPanic is recorded for a worker callback that panicked.
	ErrSubtaskPanic = errors.New("subtask panicked")
	// ErrUnknownSubtask is recorded for a layer entry with no subtask.
	ErrUnknownSubtask = errors.New("unknown subtask")
)

// WorkerFunc performs the work of one subtask. It should honour ctx; when
// it does not, the result is still recorded as a timeout at the deadline
// and the late return is discarded.
type WorkerFunc func(ctx context.Context, st *models.Subtask) (string, error)

// Observer receives progress callbacks. OnResult is called from worker
// goroutines and must be safe for concurrent use.
type Observer interface {
	OnLayerStart(index, total int, layer models.Layer)
	OnResult(st *models.Subtask, res models.Result)
	OnBatchDone(m models.Metrics)
}

// ObserverFuncs adapts optional callbacks to Observer.
type ObserverFuncs struct {
	LayerStart func(index, total int, layer models.Layer)
	Result     func(st *models.Subtask, res models.Result)
	BatchDone  func(m models.Metrics)
}

func (o ObserverFuncs) OnLayerStart(index, total int, layer models.Layer) {
	if o.LayerStart != nil {
		o.LayerStart(index, total, layer)
	}
}

func (o ObserverFuncs) OnResult(st *models.Subtask, res models.Result) {
	if o.Result != nil {
		o.Result(st, res)
	}
}

func (o ObserverFuncs) OnBatchDone(m models.Metrics) {
	if o.BatchDone != nil {
		o.BatchDone(m)
	}
}

// Option configures a WaveExecutor.
type Option func(*WaveExecutor)

// WithMaxConcurrency bounds how many subtasks of a batch run at once.
func WithMaxConcurrency(n int) Option {
	return func(e *WaveExecutor) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithBatchSize sets how many subtasks of a wave are dispatched together.
func WithBatchSize(n int) Option {
	return func(e *WaveExecutor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithTaskTimeout sets the per-subtask timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *WaveExecutor) {
		if d > 0 {
			e.taskTimeout = d
		}
	}
}

// WithBlockOnFailure controls whether dependents of a failed subtask are
// skipped and recorded as blocked.
func WithBlockOnFailure(block bool) Option {
	return func(e *WaveExecutor) { e.blockOnFailure = block }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *WaveExecutor) { e.logger = l }
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *metrics.Executor) Option {
	return func(e *WaveExecutor) { e.metrics = m }
}

// WithObserver sets the progress observer.
func WithObserver(o Observer) Option {
	return func(e *WaveExecutor) { e.observer = o }
}

// OptionsFromConfig translates the executor config section into options.
func OptionsFromConfig(cfg config.ExecutorConfig) []Option {
	return []Option{
		WithMaxConcurrency(cfg.MaxConcurrency),
		WithBatchSize(cfg.BatchSize),
		WithTaskTimeout(cfg.TaskTimeout),
		WithBlockOnFailure(cfg.BlockOnFailure),
	}
}

// WaveExecutor runs layers strictly in order; wave k+1 starts only after
// every subtask of wave k has a result.
type WaveExecutor struct {
	maxConcurrency int
	batchSize      int
	taskTimeout    time.Duration
	blockOnFailure bool
	logger         *zap.Logger
	metrics        *metrics.Executor
	observer       Observer
}

// New creates a WaveExecutor.
func New(opts ...Option) *WaveExecutor {
	e := &WaveExecutor{
		maxConcurrency: DefaultMaxConcurrency,
		batchSize:      DefaultBatchSize,
		taskTimeout:    DefaultTaskTimeout,
		blockOnFailure: true,
		logger:         zap.NewNop(),
		observer:       ObserverFuncs{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewExecutor(nil)
	}
	return e
}

// run holds the state of one RunLayers call.
type run struct {
	mu       sync.Mutex
	results  map[string]models.Result
	failures map[string]bool

	total     int
	completed *atomic.Int64
	failed    *atomic.Int64
	blocked   *atomic.Int64
	duration  *atomic.Duration
}

func (r *run) record(res models.Result) {
	r.mu.Lock()
	r.results[res.SubtaskID] = res
	if !res.Success {
		r.failures[res.SubtaskID] = true
	}
	r.mu.Unlock()

	r.duration.Add(res.Duration)
	if res.Success {
		r.completed.Inc()
		return
	}
	r.failed.Inc()
	if res.Blocked {
		r.blocked.Inc()
	}
}

// failedDependency returns a dependency of st that did not succeed.
func (r *run) failedDependency(st *models.Subtask) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range st.Dependencies {
		if r.failures[dep] {
			return dep, true
		}
	}
	return "", false
}

func (r *run) snapshot() models.Metrics {
	return models.Metrics{
		Total:         r.total,
		Completed:     int(r.completed.Load()),
		Failed:        int(r.failed.Load()),
		Blocked:       int(r.blocked.Load()),
		TotalDuration: r.duration.Load(),
	}
}

// RunLayers executes every subtask named in layers and returns exactly one
// result per subtask plus aggregate metrics. A failed subtask never stops
// independent subtasks; with block-on-failure its transitive dependents are
// recorded as blocked failures without running.
func (e *WaveExecutor) RunLayers(ctx context.Context, layers []models.Layer, byID map[string]*models.Subtask, fn WorkerFunc) (map[string]models.Result, models.Metrics) {
	r := &run{
		results:   make(map[string]models.Result),
		failures:  make(map[string]bool),
		completed: atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
		blocked:   atomic.NewInt64(0),
		duration:  atomic.NewDuration(0),
	}
	for _, layer := range layers {
		r.total += len(layer)
	}
	sem := semaphore.NewWeighted(int64(e.maxConcurrency))

	for li, layer := range layers {
		e.observer.OnLayerStart(li, len(layers), layer)
		e.metrics.Layers.Inc()
		e.logger.Debug("layer start", zap.Int("layer", li), zap.Int("subtasks", len(layer)))

		for start := 0; start < len(layer); start += e.batchSize {
			end := min(start+e.batchSize, len(layer))
			e.runBatch(ctx, r, sem, layer[start:end], byID, fn)
			e.metrics.Batches.Inc()
			e.observer.OnBatchDone(r.snapshot())
		}
	}

	m := r.snapshot()
	e.logger.Info("layers executed",
		zap.Int("layers", len(layers)),
		zap.Int("total", m.Total),
		zap.Int("completed", m.Completed),
		zap.Int("failed", m.Failed),
		zap.Int("blocked", m.Blocked))
	return r.results, m
}

func (e *WaveExecutor) runBatch(ctx context.Context, r *run, sem *semaphore.Weighted, batch []string, byID map[string]*models.Subtask, fn WorkerFunc) {
	var g errgroup.Group
	for _, id := range batch {
		st, ok := byID[id]
		if !ok {
			e.finish(r, &models.Subtask{ID: id}, models.Result{
				SubtaskID: id,
				Error:     ErrUnknownSubtask.Error(),
			})
			continue
		}
		if e.blockOnFailure {
			if dep, failed := r.failedDependency(st); failed {
				st.Status = models.SubtaskStatusBlocked
				e.finish(r, st, models.Result{
					SubtaskID: id,
					Error:     fmt.Sprintf("blocked by failed dependency %s", dep),
					Blocked:   true,
				})
				continue
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			st.Status = models.SubtaskStatusFailed
			e.finish(r, st, models.Result{SubtaskID: id, Error: err.Error()})
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			e.finish(r, st, e.runOne(ctx, st, fn))
			return nil
		})
	}
	_ = g.Wait()
}

func (e *WaveExecutor) finish(r *run, st *models.Subtask, res models.Result) {
	r.record(res)
	outcome := "completed"
	switch {
	case res.Blocked:
		outcome = "blocked"
	case !res.Success:
		outcome = "failed"
	}
	e.metrics.Subtasks.WithLabelValues(outcome).Inc()
	if !res.Blocked {
		e.metrics.SubtaskDuration.Observe(res.Duration.Seconds())
	}
	e.observer.OnResult(st, res)
}

type outcome struct {
	output string
	err    error
}

// runOne races fn against the subtask timeout. Cancellation is best effort:
// a callback that ignores ctx keeps running in the background and its
// result is dropped.
func (e *WaveExecutor) runOne(ctx context.Context, st *models.Subtask, fn WorkerFunc) models.Result {
	st.Status = models.SubtaskStatusRunning
	tctx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrSubtaskPanic, rec)}
			}
		}()
		out, err := fn(tctx, st)
		done <- outcome{output: out, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-tctx.Done():
		if ctx.Err() != nil {
			o.err = ctx.Err()
		} else {
			o.err = fmt.Errorf("%w after %s", ErrSubtaskTimeout, e.taskTimeout)
		}
	}

	res := models.Result{SubtaskID: st.ID, Duration: time.Since(start)}
	if o.err != nil {
		st.Status = models.SubtaskStatusFailed
		res.Error = o.err.Error()
		e.logger.Debug("subtask failed", zap.String("subtask", st.ID), zap.Error(o.err))
		return res
	}
	st.Status = models.SubtaskStatusCompleted
	res.Success = true
	res.Output = o.output
	return res
}
