package executor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrSimulatedFailure is returned by the simulate executor for subtasks
// selected by its failure rate.
var ErrSimulatedFailure = errors.New("simulated failure")

// Simulate sleeps for a fraction of each subtask's estimated duration.
// Failures are chosen by hashing the subtask ID, so a given rate always
// fails the same subtasks.
type Simulate struct {
	speedup     float64
	failureRate float64
	clock       clock.Clock
}

// SimulateOption configures a Simulate executor.
type SimulateOption func(*Simulate)

// WithSpeedup divides every estimated duration by f.
func WithSpeedup(f float64) SimulateOption {
	return func(s *Simulate) {
		if f > 0 {
			s.speedup = f
		}
	}
}

// WithFailureRate fails roughly the given fraction of subtasks.
func WithFailureRate(rate float64) SimulateOption {
	return func(s *Simulate) {
		s.failureRate = min(max(rate, 0), 1)
	}
}

// WithSimulateClock sets the clock used for sleeping.
func WithSimulateClock(c clock.Clock) SimulateOption {
	return func(s *Simulate) { s.clock = c }
}

// NewSimulate creates a simulate executor.
func NewSimulate(opts ...SimulateOption) *Simulate {
	s := &Simulate{speedup: 1, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulate) Name() string { return "simulate" }

// ExecuteSubtask waits out the scaled estimate or returns early with
// ctx.Err().
func (s *Simulate) ExecuteSubtask(ctx context.Context, st *models.Subtask) (string, error) {
	d := time.Duration(float64(st.EstimatedDuration) / s.speedup)
	if d > 0 {
		timer := s.clock.Timer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
	if s.fails(st.ID) {
		return "", fmt.Errorf("%w: %s", ErrSimulatedFailure, st.ID)
	}
	return fmt.Sprintf("%s %s done in %s", st.Kind, st.Target, d), nil
}

func (s *Simulate) fails(id string) bool {
	if s.failureRate <= 0 {
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return float64(h.Sum32()%10000)/10000 < s.failureRate
}
