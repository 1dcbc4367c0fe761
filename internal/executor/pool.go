package executor

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/conductor/internal/workerpool"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// SubtaskTaskType is the pool task type carrying a *models.Subtask payload.
const SubtaskTaskType = "subtask"

// PoolHandler adapts ex to a worker pool handler for SubtaskTaskType tasks.
func PoolHandler(ex Executor) workerpool.HandlerFunc {
	return func(ctx context.Context, task workerpool.Task) (any, error) {
		st, ok := task.Payload.(*models.Subtask)
		if !ok {
			return nil, fmt.Errorf("task %s: payload is %T, want *models.Subtask", task.ID, task.Payload)
		}
		return ex.ExecuteSubtask(ctx, st)
	}
}

// Preparer is implemented by executors that check their environment before
// a worker starts taking subtasks.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// InitHook returns a pool init hook running ex's Prepare for every worker,
// or nil when ex needs no preparation.
func InitHook(ex Executor) workerpool.InitFunc {
	prep, ok := ex.(Preparer)
	if !ok {
		return nil
	}
	return func(ctx context.Context, workerID string) error {
		if err := prep.Prepare(ctx); err != nil {
			return fmt.Errorf("prepare %s executor for %s: %w", ex.Name(), workerID, err)
		}
		return nil
	}
}

// RegisterPoolHandler installs ex as the pool's subtask handler.
func RegisterPoolHandler(pool *workerpool.Pool, ex Executor) {
	pool.RegisterHandler(SubtaskTaskType, PoolHandler(ex))
}

// PoolWorkerFunc runs every subtask as a task on pool. The pool must have a
// handler for SubtaskTaskType, see RegisterPoolHandler. The caller's
// deadline becomes the task deadline, and a subtask whose caller gives up
// is cancelled on the pool rather than left to run later.
func PoolWorkerFunc(pool *workerpool.Pool, priority models.Priority) WorkerFunc {
	return func(ctx context.Context, st *models.Subtask) (string, error) {
		task := workerpool.Task{Type: SubtaskTaskType, Payload: st}
		if deadline, ok := ctx.Deadline(); ok {
			task.Deadline = deadline
		}
		res, err := pool.Run(ctx, task, priority)
		if err != nil {
			return "", err
		}
		if res.Err != nil {
			return "", res.Err
		}
		out, _ := res.Result.(string)
		return out, nil
	}
}
