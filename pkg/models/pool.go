package models

import "time"

// WorkerStatus is a snapshot of one pool worker.
type WorkerStatus struct {
	// ID is stable across crash restarts of the same slot.
	ID string `json:"id"`
	// Slot is the pool position the worker occupies.
	Slot int `json:"slot"`
	// Busy is true while the worker runs a task.
	Busy bool `json:"busy"`
	// CompletedTasks counts tasks finished by this worker, successful or not.
	CompletedTasks int `json:"completed_tasks"`
	// LastUsed is when the worker last finished or was created.
	LastUsed time.Time `json:"last_used"`
	// ShuttingDown is set once the worker was asked to terminate.
	ShuttingDown bool `json:"shutting_down"`
	// CurrentTask is the ID of the running task, if any.
	CurrentTask string `json:"current_task,omitempty"`
	// Restarts counts how often this slot was replaced after a crash.
	Restarts int `json:"restarts"`
}

// PoolStatus is a snapshot of the worker pool.
type PoolStatus struct {
	Workers     []WorkerStatus `json:"workers"`
	Size        int            `json:"size"`
	MinSize     int            `json:"min_size"`
	MaxSize     int            `json:"max_size"`
	Busy        int            `json:"busy"`
	Idle        int            `json:"idle"`
	QueueDepth  int            `json:"queue_depth"`
	Utilization float64        `json:"utilization"`
	Completed   int64          `json:"completed"`
	Failed      int64          `json:"failed"`
	Restarts    int64          `json:"restarts"`
	ScaleUps    int64          `json:"scale_ups"`
	ScaleDowns  int64          `json:"scale_downs"`
	Accepting   bool           `json:"accepting"`
}
