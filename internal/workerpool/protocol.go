// Package workerpool runs tasks on a bounded, auto-scaling pool of worker
// goroutines fed from a priority queue.
package workerpool

import (
	"context"
	"errors"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	// ErrPoolClosed is returned for submissions after Shutdown and reported
	// for tasks still queued when the pool shuts down.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrUnknownTask is returned by Await for an ID the pool is not tracking.
	ErrUnknownTask = errors.New("unknown task")
	// ErrDuplicateTask is returned when a task ID is already queued or running.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrWorkerCrashed is reported for a task whose handler panicked.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrNoHandler is returned by New when no default handler is configured.
	ErrNoHandler = errors.New("no task handler configured")
	// ErrShutdownTimeout is returned when in-flight tasks outlive the grace period.
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("worker pool already started")
	// ErrTaskCancelled is reported for a task withdrawn with Cancel.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrPoolDegraded is returned once failed worker initialization has left
	// the pool below its size floor. Such a pool rejects new tasks.
	ErrPoolDegraded = errors.New("worker pool below minimum size")
)

// Task is a unit of work submitted to the pool. Workers dispatch on Type to
// a registered handler; Payload is passed through untouched.
type Task struct {
	ID      string
	Type    string
	Payload any
	// Deadline bounds the task when non-zero. Time spent queued counts
	// against it; a task still queued at its deadline never runs.
	Deadline time.Time
}

// HandlerFunc executes one task on a worker.
type HandlerFunc func(ctx context.Context, task Task) (any, error)

// MessageType is the kind of message a worker reports back to the pool.
type MessageType string

const (
	MessageCompleted MessageType = "completed"
	MessageFailed    MessageType = "failed"
	// MessageMetrics is sent by a worker when it exits.
	MessageMetrics MessageType = "metrics"
)

// Message is what a worker reports to the pool manager.
type Message struct {
	Type     MessageType
	TaskID   string
	WorkerID string
	Result   any
	Err      error
	Duration time.Duration
	// Crashed is set when the handler panicked; the worker is replaced.
	Crashed bool
	// CompletedTasks is filled on metrics messages.
	CompletedTasks int
}

// TaskResult is the final outcome of a submitted task.
type TaskResult struct {
	TaskID   string
	WorkerID string
	Priority models.Priority
	Result   any
	// Err is nil when the handler succeeded.
	Err      error
	Duration time.Duration
}

// Success reports whether the task completed without error.
func (r TaskResult) Success() bool {
	return r.Err == nil
}
