package workerpool

import (
	"container/heap"
	"math"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name         string
		idle         time.Duration
		completed    int
		maxCompleted int
		want         float64
	}{
		{"fresh worker", 0, 0, 1, 0.4},
		{"long idle, no work", 10 * time.Second, 0, 1, 1.0},
		{"idle capped at window", time.Minute, 0, 4, 1.0},
		{"half idle, half loaded", 5 * time.Second, 2, 4, 0.5},
		{"busiest worker just used", 0, 4, 4, 0},
		{"zero max treated as one", 0, 0, 0, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := score(tt.idle, tt.completed, tt.maxCompleted)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskQueue_PriorityThenFIFO(t *testing.T) {
	var q taskQueue
	push := func(id string, p models.Priority, seq uint64) {
		heap.Push(&q, &queuedTask{task: Task{ID: id}, priority: p, seq: seq})
	}
	push("low-1", models.PriorityLow, 1)
	push("normal-1", models.PriorityNormal, 2)
	push("crit-1", models.PriorityCritical, 3)
	push("normal-2", models.PriorityNormal, 4)
	push("crit-2", models.PriorityCritical, 5)

	want := []string{"crit-1", "crit-2", "normal-1", "normal-2", "low-1"}
	for i, id := range want {
		got := heap.Pop(&q).(*queuedTask).task.ID
		if got != id {
			t.Errorf("pop %d = %s, want %s", i, got, id)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue not empty: %d", q.Len())
	}
}

func TestResolveBounds(t *testing.T) {
	tests := []struct {
		name                   string
		opts                   poolOptions
		cpus                   int
		wantMin, wantMax, want int
	}{
		{"single cpu raises ceiling to floor", poolOptions{}, 1, 2, 2, 2},
		{"eight cpus", poolOptions{}, 8, 2, 8, 4},
		{"explicit ceiling clamps initial", poolOptions{maxWorkers: 3}, 16, 2, 3, 3},
		{"floor below minimum is raised", poolOptions{minWorkers: 1}, 4, 2, 4, 2},
		{"initial below floor", poolOptions{minWorkers: 3, initialWorkers: 1}, 8, 3, 8, 3},
		{"ceiling above cpus is clamped", poolOptions{maxWorkers: 32}, 4, 2, 4, 2},
		{"clamped ceiling never below floor", poolOptions{minWorkers: 3, maxWorkers: 8}, 2, 3, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := tt.opts
			o.resolveBounds(tt.cpus)
			if o.minWorkers != tt.wantMin || o.maxWorkers != tt.wantMax || o.initialWorkers != tt.want {
				t.Errorf("bounds = [%d,%d] initial %d, want [%d,%d] initial %d",
					o.minWorkers, o.maxWorkers, o.initialWorkers, tt.wantMin, tt.wantMax, tt.want)
			}
		})
	}
}
