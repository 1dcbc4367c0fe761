package workerpool

import (
	"context"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// queuedTask is a submitted task tracked until it is awaited.
type queuedTask struct {
	task        Task
	priority    models.Priority
	seq         uint64
	submittedAt time.Time

	// index is the heap position, -1 once dequeued.
	index int
	// cancel aborts the running handler; set by the worker.
	cancel    context.CancelFunc
	cancelled bool

	// done is closed once result is set.
	done     chan struct{}
	result   TaskResult
	finished bool
}

// taskQueue is a max-heap on priority, FIFO among equal priorities.
// It implements container/heap.Interface and is guarded by the pool mutex.
type taskQueue []*queuedTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	qt := x.(*queuedTask)
	qt.index = len(*q)
	*q = append(*q, qt)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}
