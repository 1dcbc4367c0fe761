package workerpool

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// score rates an idle worker for the next task. Workers idle longer and
// workers with fewer completed tasks score higher:
// min(idle/10s, 1)*0.6 + (1 - completed/maxCompleted)*0.4.
func score(idle time.Duration, completed, maxCompleted int) float64 {
	recency := math.Min(float64(idle)/float64(recencyWindow), 1)
	if recency < 0 {
		recency = 0
	}
	if maxCompleted < 1 {
		maxCompleted = 1
	}
	load := 1 - float64(completed)/float64(maxCompleted)
	return recency*0.6 + load*0.4
}

// sortedSlotsLocked returns occupied slots in ascending order.
func (p *Pool) sortedSlotsLocked() []int {
	slots := make([]int, 0, len(p.workers))
	for slot := range p.workers {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

// bestWorkerLocked returns the highest scoring idle worker, or nil.
// Ties go to the lowest slot.
func (p *Pool) bestWorkerLocked() *worker {
	maxCompleted := 1
	for _, w := range p.workers {
		if w.completed > maxCompleted {
			maxCompleted = w.completed
		}
	}

	now := p.opts.clock.Now()
	var best *worker
	bestScore := -1.0
	for _, slot := range p.sortedSlotsLocked() {
		w := p.workers[slot]
		if w.busy || !w.ready || w.shuttingDown {
			continue
		}
		s := score(now.Sub(w.lastUsed), w.completed, maxCompleted)
		if s > bestScore {
			best, bestScore = w, s
		}
	}
	return best
}

// utilizationLocked is the busy fraction of the pool, 0 when empty.
func (p *Pool) utilizationLocked() float64 {
	if len(p.workers) == 0 {
		return 0
	}
	busy := 0
	for _, w := range p.workers {
		if w.busy {
			busy++
		}
	}
	return float64(busy) / float64(len(p.workers))
}

// checkScaling grows the pool under sustained load and shrinks it when
// mostly idle, each direction limited by the cooldown.
func (p *Pool) checkScaling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing || p.degraded != nil {
		return
	}

	now := p.opts.clock.Now()
	util := p.utilizationLocked()
	depth := p.queue.Len()
	size := len(p.workers)

	if util > p.opts.scaleUpThreshold &&
		depth > p.opts.scaleUpQueueDepth &&
		size < p.opts.maxWorkers &&
		now.Sub(p.lastScaleUp) > p.opts.scaleCooldown {
		w := p.spawnLocked(p.freeSlotLocked())
		p.lastScaleUp = now
		p.scaleUps.Inc()
		p.opts.metrics.ScaleEvents.WithLabelValues("up").Inc()
		p.opts.logger.Info("scaled worker pool up",
			zap.String("worker", w.id),
			zap.Int("size", len(p.workers)),
			zap.Float64("utilization", util),
			zap.Int("queue_depth", depth))
	}

	if util < p.opts.scaleDownThreshold &&
		size > p.opts.minWorkers &&
		now.Sub(p.lastScaleDown) > p.opts.scaleCooldown {
		if w := p.retireLeastRecentLocked(); w != nil {
			p.lastScaleDown = now
			p.scaleDowns.Inc()
			p.opts.metrics.ScaleEvents.WithLabelValues("down").Inc()
			p.opts.logger.Info("scaled worker pool down",
				zap.String("worker", w.id),
				zap.Int("size", len(p.workers)),
				zap.Float64("utilization", util))
		}
	}
	p.updateGaugesLocked()
}

// retireLeastRecentLocked gracefully removes the idle worker used least
// recently. Busy workers are never retired.
func (p *Pool) retireLeastRecentLocked() *worker {
	if len(p.workers) <= p.opts.minWorkers {
		return nil
	}
	var victim *worker
	for _, slot := range p.sortedSlotsLocked() {
		w := p.workers[slot]
		if w.busy || !w.ready || w.shuttingDown {
			continue
		}
		if victim == nil || w.lastUsed.Before(victim.lastUsed) {
			victim = w
		}
	}
	if victim == nil {
		return nil
	}
	victim.shuttingDown = true
	delete(p.workers, victim.slot)
	close(victim.assign)
	return victim
}
