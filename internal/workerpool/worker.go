package workerpool

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// worker is one pool slot. All fields except id, slot and assign are
// guarded by the pool mutex.
type worker struct {
	id     string
	slot   int
	assign chan *queuedTask
	// initDone is closed when the init hook of the current goroutine has
	// succeeded or given up. Nil without a hook.
	initDone chan struct{}

	ready        bool
	busy         bool
	current      *queuedTask
	completed    int
	lastUsed     time.Time
	shuttingDown bool
	restarts     int
}

func workerID(slot int) string {
	return fmt.Sprintf("worker-%d", slot)
}

// freeSlotLocked returns the lowest slot not occupied by a worker.
func (p *Pool) freeSlotLocked() int {
	for slot := 0; ; slot++ {
		if _, taken := p.workers[slot]; !taken {
			return slot
		}
	}
}

// spawnLocked creates a worker at slot and starts its goroutine.
func (p *Pool) spawnLocked(slot int) *worker {
	w := &worker{
		id:       workerID(slot),
		slot:     slot,
		assign:   make(chan *queuedTask, 1),
		ready:    p.opts.initHook == nil,
		lastUsed: p.opts.clock.Now(),
	}
	if p.opts.initHook != nil {
		w.initDone = make(chan struct{})
	}
	p.workers[slot] = w
	p.wg.Add(1)
	go p.runWorker(w, p.runCtx, w.initDone)
	return w
}

// restartLocked replaces a crashed worker at the same slot under the same ID.
func (p *Pool) restartLocked(w *worker) {
	if p.closing || w.shuttingDown {
		w.ready = false
		return
	}
	w.restarts++
	w.ready = p.opts.initHook == nil
	w.lastUsed = p.opts.clock.Now()
	if p.opts.initHook != nil {
		w.initDone = make(chan struct{})
	}
	p.restarts.Inc()
	p.opts.metrics.Restarts.Inc()
	p.wg.Add(1)
	go p.runWorker(w, p.runCtx, w.initDone)
}

// dropLocked removes a worker that could not be initialized. Falling below
// the size floor degrades the pool.
func (p *Pool) dropLocked(w *worker, cause error) {
	if cur, ok := p.workers[w.slot]; ok && cur == w {
		delete(p.workers, w.slot)
		w.shuttingDown = true
		close(w.assign)
	}
	if len(p.workers) < p.opts.minWorkers {
		p.degradeLocked(cause)
	}
	p.updateGaugesLocked()
}

// degradeLocked stops the pool from taking work it can no longer run:
// queued tasks fail and later submissions are rejected.
func (p *Pool) degradeLocked(cause error) {
	if p.degraded != nil || p.closing {
		return
	}
	p.degraded = fmt.Errorf("%w: %d of %d workers left: %v",
		ErrPoolDegraded, len(p.workers), p.opts.minWorkers, cause)
	failed := 0
	for p.queue.Len() > 0 {
		qt := heap.Pop(&p.queue).(*queuedTask)
		p.finishLocked(qt, TaskResult{Err: p.degraded})
		failed++
	}
	p.opts.logger.Error("worker pool degraded",
		zap.Int("workers", len(p.workers)),
		zap.Int("failed_queued", failed),
		zap.Error(cause))
}

// runWorker is the worker goroutine. It exits when assign is closed or
// after a crash, in which case a replacement goroutine takes over.
func (p *Pool) runWorker(w *worker, ctx context.Context, initDone chan struct{}) {
	defer p.wg.Done()

	if p.opts.initHook != nil {
		err := p.initWorker(ctx, w)
		p.mu.Lock()
		if err != nil {
			p.opts.logger.Error("worker init failed, dropping worker",
				zap.String("worker", w.id), zap.Error(err))
			p.dropLocked(w, err)
		} else {
			w.ready = true
		}
		p.mu.Unlock()
		close(initDone)
		if err != nil {
			return
		}
		p.wake()
	}

	for qt := range w.assign {
		msg := p.execute(ctx, w, qt)
		p.handleMessage(w, msg)
		if msg.Crashed {
			return
		}
	}
	p.handleMessage(w, Message{Type: MessageMetrics, WorkerID: w.id})
}

// initWorker runs the init hook with exponential backoff.
func (p *Pool) initWorker(ctx context.Context, w *worker) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.opts.initRetries), ctx)

	return backoff.Retry(func() error {
		return p.opts.initHook(ctx, w.id)
	}, policy)
}

// execute runs the task handler, converting a panic into a crash report.
func (p *Pool) execute(ctx context.Context, w *worker, qt *queuedTask) (msg Message) {
	start := p.opts.clock.Now()
	msg = Message{TaskID: qt.task.ID, WorkerID: w.id}

	defer func() {
		msg.Duration = p.opts.clock.Since(start)
		if r := recover(); r != nil {
			msg.Type = MessageFailed
			msg.Result = nil
			msg.Err = fmt.Errorf("%w: %v", ErrWorkerCrashed, r)
			msg.Crashed = true
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !qt.task.Deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, qt.task.Deadline)
		defer cancelDeadline()
	}
	p.mu.Lock()
	qt.cancel = cancel
	cancelled := qt.cancelled
	p.mu.Unlock()
	if cancelled {
		msg.Type = MessageFailed
		msg.Err = ErrTaskCancelled
		return msg
	}

	result, err := p.handlerFor(qt.task.Type)(ctx, qt.task)
	if err != nil {
		msg.Type = MessageFailed
		msg.Err = err
		return msg
	}
	msg.Type = MessageCompleted
	msg.Result = result
	return msg
}
