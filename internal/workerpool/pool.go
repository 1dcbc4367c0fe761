package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/metrics"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Pool is a priority-queued worker pool. Queue and worker state are only
// mutated while holding mu; the scheduler loop, worker reports and callers
// all serialize through it.
type Pool struct {
	opts           poolOptions
	defaultHandler HandlerFunc

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc

	mu            sync.Mutex
	queue         taskQueue
	seq           uint64
	tracked       map[string]*queuedTask
	workers       map[int]*worker
	started       bool
	closing       bool
	degraded      error
	drained       chan struct{}
	drainedClosed bool
	lastScaleUp   time.Time
	lastScaleDown time.Time
	runCtx        context.Context
	cancelRun     context.CancelFunc

	accepting  *atomic.Bool
	completed  *atomic.Int64
	failed     *atomic.Int64
	restarts   *atomic.Int64
	scaleUps   *atomic.Int64
	scaleDowns *atomic.Int64

	wakeCh   chan struct{}
	stopLoop chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// New creates a Pool. Workers are not spawned until Start.
func New(cfg RequiredConfig, opts ...Option) (*Pool, error) {
	if cfg.DefaultHandler == nil {
		return nil, ErrNoHandler
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.cpus <= 0 {
		o.cpus = logicalCPUs()
	}
	o.resolveBounds(o.cpus)
	if o.metrics == nil {
		o.metrics = metrics.NewPool(nil)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Pool{
		opts:           o,
		defaultHandler: cfg.DefaultHandler,
		handlers:       make(map[string]HandlerFunc),
		tracked:        make(map[string]*queuedTask),
		workers:        make(map[int]*worker),
		drained:        make(chan struct{}),
		runCtx:         runCtx,
		cancelRun:      cancel,
		accepting:      atomic.NewBool(true),
		completed:      atomic.NewInt64(0),
		failed:         atomic.NewInt64(0),
		restarts:       atomic.NewInt64(0),
		scaleUps:       atomic.NewInt64(0),
		scaleDowns:     atomic.NewInt64(0),
		wakeCh:         make(chan struct{}, 1),
		stopLoop:       make(chan struct{}),
		loopDone:       make(chan struct{}),
	}, nil
}

// RegisterHandler routes tasks of the given type to fn.
func (p *Pool) RegisterHandler(taskType string, fn HandlerFunc) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.handlers[taskType] = fn
}

func (p *Pool) handlerFor(taskType string) HandlerFunc {
	p.hmu.RLock()
	defer p.hmu.RUnlock()
	if fn, ok := p.handlers[taskType]; ok {
		return fn
	}
	return p.defaultHandler
}

// Start spawns the initial workers and the scheduling loop. Cancelling ctx
// cancels running handlers and stops the loop; Shutdown is still required
// to release the workers, also when Start fails.
//
// With an init hook, Start waits until every initial worker is initialized
// or dropped and returns an ErrPoolDegraded error if fewer than the minimum
// remain.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	if p.closing {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.started = true
	p.cancelRun()
	p.runCtx, p.cancelRun = context.WithCancel(ctx)
	var inits []chan struct{}
	for i := 0; i < p.opts.initialWorkers; i++ {
		w := p.spawnLocked(p.freeSlotLocked())
		if w.initDone != nil {
			inits = append(inits, w.initDone)
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	// Tickers are created before the loop goroutine so a mock clock
	// advanced right after Start still reaches them.
	sched := p.opts.clock.Ticker(p.opts.schedulerInterval)
	monitor := p.opts.clock.Ticker(p.opts.monitorInterval)
	go p.loop(sched, monitor)

	for _, done := range inits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	degraded := p.degraded
	size := len(p.workers)
	p.mu.Unlock()
	if degraded != nil {
		return degraded
	}

	p.opts.logger.Info("worker pool started",
		zap.Int("workers", size),
		zap.Int("min", p.opts.minWorkers),
		zap.Int("max", p.opts.maxWorkers))
	return nil
}

func (p *Pool) loop(sched, monitor *clock.Ticker) {
	defer close(p.loopDone)
	defer sched.Stop()
	defer monitor.Stop()
	done := p.runCtx.Done()
	for {
		select {
		case <-p.stopLoop:
			return
		case <-done:
			return
		case <-sched.C:
			p.schedule()
		case <-p.wakeCh:
			p.schedule()
		case <-monitor.C:
			p.checkScaling()
		}
	}
}

// wake asks the loop to schedule without waiting for the next tick.
func (p *Pool) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// SubmitTask queues a task and returns its ID. It never blocks. A task
// without an ID gets a generated one; priority ≤ 0 means normal.
func (p *Pool) SubmitTask(task Task, priority models.Priority) (string, error) {
	if !p.accepting.Load() {
		return "", ErrPoolClosed
	}
	if priority <= 0 {
		priority = models.PriorityNormal
	}
	if task.ID == "" {
		task.ID = "task-" + uuid.New().String()[:8]
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return "", ErrPoolClosed
	}
	if p.degraded != nil {
		return "", p.degraded
	}
	if _, dup := p.tracked[task.ID]; dup {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	p.seq++
	qt := &queuedTask{
		task:        task,
		priority:    priority,
		seq:         p.seq,
		submittedAt: p.opts.clock.Now(),
		done:        make(chan struct{}),
	}
	heap.Push(&p.queue, qt)
	p.tracked[task.ID] = qt
	p.opts.metrics.Submitted.Inc()
	p.opts.metrics.QueueDepth.Set(float64(p.queue.Len()))

	p.opts.logger.Debug("task queued",
		zap.String("task", task.ID),
		zap.String("type", task.Type),
		zap.Stringer("priority", priority))
	return task.ID, nil
}

// Await blocks until the task finishes or ctx is done. The returned error
// only reports waiting problems; the task's own failure is in TaskResult.Err.
// When ctx ends first the task is cancelled, so it never runs after its
// caller gave up on it.
func (p *Pool) Await(ctx context.Context, taskID string) (TaskResult, error) {
	p.mu.Lock()
	qt, ok := p.tracked[taskID]
	p.mu.Unlock()
	if !ok {
		return TaskResult{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	select {
	case <-qt.done:
		p.mu.Lock()
		delete(p.tracked, taskID)
		p.mu.Unlock()
		return qt.result, nil
	case <-ctx.Done():
		if err := p.Cancel(taskID); err != nil && !errors.Is(err, ErrUnknownTask) {
			p.opts.logger.Warn("cancel abandoned task", zap.String("task", taskID), zap.Error(err))
		}
		return TaskResult{}, ctx.Err()
	}
}

// Cancel withdraws a task and stops tracking it. A queued task is removed
// from the queue; a running task has its handler context cancelled and its
// worker stays busy until the handler returns. Either way the task is
// reported failed with ErrTaskCancelled unless it already finished.
func (p *Pool) Cancel(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	qt, ok := p.tracked[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	delete(p.tracked, taskID)
	if qt.finished {
		return nil
	}

	qt.cancelled = true
	if qt.index >= 0 {
		heap.Remove(&p.queue, qt.index)
	} else if qt.cancel != nil {
		qt.cancel()
	}
	p.finishLocked(qt, TaskResult{Err: ErrTaskCancelled})
	p.updateGaugesLocked()
	p.opts.logger.Debug("task cancelled", zap.String("task", taskID))
	return nil
}

// Run submits a task and waits for its result.
func (p *Pool) Run(ctx context.Context, task Task, priority models.Priority) (TaskResult, error) {
	id, err := p.SubmitTask(task, priority)
	if err != nil {
		return TaskResult{}, err
	}
	return p.Await(ctx, id)
}

// schedule assigns queued tasks to the best-scoring idle workers until
// either runs out. It returns the number of tasks assigned.
func (p *Pool) schedule() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	assigned := 0
	expired := 0
	for p.queue.Len() > 0 {
		w := p.bestWorkerLocked()
		if w == nil {
			break
		}
		qt := heap.Pop(&p.queue).(*queuedTask)
		// Deadlines are wall-clock, like the context deadlines they come from.
		if !qt.task.Deadline.IsZero() && !time.Now().Before(qt.task.Deadline) {
			p.finishLocked(qt, TaskResult{Err: context.DeadlineExceeded})
			expired++
			continue
		}
		w.busy = true
		w.current = qt
		w.lastUsed = p.opts.clock.Now()
		// The worker is idle so its buffered channel is empty.
		w.assign <- qt
		assigned++
	}
	if assigned > 0 || expired > 0 {
		p.updateGaugesLocked()
	}
	return assigned
}

// finishLocked records the outcome of a task exactly once.
func (p *Pool) finishLocked(qt *queuedTask, res TaskResult) {
	if qt.finished {
		return
	}
	qt.finished = true
	res.TaskID = qt.task.ID
	res.Priority = qt.priority
	qt.result = res
	close(qt.done)

	if res.Err == nil {
		p.completed.Inc()
		p.opts.metrics.Tasks.WithLabelValues("completed").Inc()
	} else {
		p.failed.Inc()
		p.opts.metrics.Tasks.WithLabelValues("failed").Inc()
	}
}

// handleMessage applies a worker report to pool state.
func (p *Pool) handleMessage(w *worker, msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Type {
	case MessageCompleted, MessageFailed:
		qt := w.current
		w.current = nil
		w.busy = false
		w.completed++
		w.lastUsed = p.opts.clock.Now()
		if qt != nil {
			p.finishLocked(qt, TaskResult{
				WorkerID: w.id,
				Result:   msg.Result,
				Err:      msg.Err,
				Duration: msg.Duration,
			})
		}
		p.opts.metrics.TaskDuration.Observe(msg.Duration.Seconds())

		if msg.Crashed {
			p.opts.logger.Warn("worker crashed",
				zap.String("worker", w.id),
				zap.String("task", msg.TaskID),
				zap.Error(msg.Err))
			p.restartLocked(w)
		} else {
			p.opts.logger.Debug("task finished",
				zap.String("task", msg.TaskID),
				zap.String("worker", w.id),
				zap.String("outcome", string(msg.Type)),
				zap.Duration("duration", msg.Duration))
		}
	case MessageMetrics:
		p.opts.logger.Debug("worker exited",
			zap.String("worker", w.id),
			zap.Int("completed", w.completed),
			zap.Int("restarts", w.restarts))
	}

	p.updateGaugesLocked()
	p.signalDrainedLocked()
	p.wake()
}

// signalDrainedLocked closes drained once shutdown started and nothing is in flight.
func (p *Pool) signalDrainedLocked() {
	if !p.closing || p.drainedClosed {
		return
	}
	for _, w := range p.workers {
		if w.busy {
			return
		}
	}
	p.drainedClosed = true
	close(p.drained)
}

func (p *Pool) updateGaugesLocked() {
	busy := 0
	for _, w := range p.workers {
		if w.busy {
			busy++
		}
	}
	p.opts.metrics.Size.Set(float64(len(p.workers)))
	p.opts.metrics.BusyWorkers.Set(float64(busy))
	p.opts.metrics.QueueDepth.Set(float64(p.queue.Len()))
}

// GetStatus returns a snapshot of the pool.
func (p *Pool) GetStatus() models.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := models.PoolStatus{
		Size:       len(p.workers),
		MinSize:    p.opts.minWorkers,
		MaxSize:    p.opts.maxWorkers,
		QueueDepth: p.queue.Len(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Restarts:   p.restarts.Load(),
		ScaleUps:   p.scaleUps.Load(),
		ScaleDowns: p.scaleDowns.Load(),
		Accepting:  p.accepting.Load() && p.degraded == nil,
	}
	for _, w := range p.workers {
		ws := models.WorkerStatus{
			ID:             w.id,
			Slot:           w.slot,
			Busy:           w.busy,
			CompletedTasks: w.completed,
			LastUsed:       w.lastUsed,
			ShuttingDown:   w.shuttingDown,
			Restarts:       w.restarts,
		}
		if w.current != nil {
			ws.CurrentTask = w.current.task.ID
		}
		if w.busy {
			status.Busy++
		} else {
			status.Idle++
		}
		status.Workers = append(status.Workers, ws)
	}
	sort.Slice(status.Workers, func(i, j int) bool {
		return status.Workers[i].Slot < status.Workers[j].Slot
	})
	status.Utilization = p.utilizationLocked()
	return status
}

// Shutdown stops accepting tasks, fails everything still queued, waits for
// in-flight tasks up to the grace period or ctx, and stops all workers.
// Tasks abandoned after the grace period are reported as failed and
// ErrShutdownTimeout is returned. Cancellation of their handlers is best
// effort.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	p.accepting.Store(false)
	queued := 0
	for p.queue.Len() > 0 {
		qt := heap.Pop(&p.queue).(*queuedTask)
		p.finishLocked(qt, TaskResult{Err: ErrPoolClosed})
		queued++
	}
	p.updateGaugesLocked()
	p.signalDrainedLocked()
	started := p.started
	p.mu.Unlock()

	p.opts.logger.Info("worker pool shutting down", zap.Int("failed_queued", queued))

	grace := p.opts.clock.Timer(p.opts.shutdownGrace)
	defer grace.Stop()
	forced := false
	select {
	case <-p.drained:
	case <-grace.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}

	close(p.stopLoop)
	p.mu.Lock()
	p.cancelRun()
	abandoned := 0
	for slot, w := range p.workers {
		if w.current != nil && !w.current.finished {
			p.finishLocked(w.current, TaskResult{WorkerID: w.id, Err: ErrPoolClosed})
			abandoned++
		}
		w.shuttingDown = true
		close(w.assign)
		delete(p.workers, slot)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	if started {
		<-p.loopDone
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if forced {
		p.opts.logger.Warn("worker pool forced shutdown", zap.Int("abandoned", abandoned))
		return fmt.Errorf("%w: %d task(s) abandoned", ErrShutdownTimeout, abandoned)
	}
	p.opts.logger.Info("worker pool stopped",
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()))
	return nil
}
