package workerpool

import (
	"context"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/metrics"
)

// Size floor and scheduling defaults.
const (
	MinPoolSize               = 2
	DefaultSchedulerInterval  = 10 * time.Millisecond
	DefaultMonitorInterval    = 5 * time.Second
	DefaultScaleUpThreshold   = 0.8
	DefaultScaleDownThreshold = 0.2
	DefaultScaleUpQueueDepth  = 3
	DefaultScaleCooldown      = 2 * time.Second
	DefaultShutdownGrace      = 30 * time.Second

	// recencyWindow is the idle time at which a worker earns the full
	// recency score.
	recencyWindow = 10 * time.Second
)

// RequiredConfig contains the configuration a Pool cannot run without.
type RequiredConfig struct {
	// DefaultHandler runs tasks whose Type has no registered handler.
	DefaultHandler HandlerFunc
}

// InitFunc prepares a worker before it accepts tasks. It is retried with
// exponential backoff and the worker is dropped if it keeps failing; a pool
// left below its floor is degraded.
type InitFunc func(ctx context.Context, workerID string) error

// Option configures a Pool. Use With* functions to create Options.
type Option func(*poolOptions)

type poolOptions struct {
	minWorkers         int
	maxWorkers         int
	initialWorkers     int
	schedulerInterval  time.Duration
	monitorInterval    time.Duration
	scaleUpThreshold   float64
	scaleDownThreshold float64
	scaleUpQueueDepth  int
	scaleCooldown      time.Duration
	shutdownGrace      time.Duration
	initHook           InitFunc
	initRetries        uint64
	cpus               int
	clock              clock.Clock
	logger             *zap.Logger
	metrics            *metrics.Pool
}

func defaultOptions() poolOptions {
	return poolOptions{
		minWorkers:         MinPoolSize,
		schedulerInterval:  DefaultSchedulerInterval,
		monitorInterval:    DefaultMonitorInterval,
		scaleUpThreshold:   DefaultScaleUpThreshold,
		scaleDownThreshold: DefaultScaleDownThreshold,
		scaleUpQueueDepth:  DefaultScaleUpQueueDepth,
		scaleCooldown:      DefaultScaleCooldown,
		shutdownGrace:      DefaultShutdownGrace,
		initRetries:        5,
		clock:              clock.New(),
		logger:             zap.NewNop(),
	}
}

// WithMinWorkers sets the size floor. Values below MinPoolSize are raised.
func WithMinWorkers(n int) Option {
	return func(o *poolOptions) { o.minWorkers = n }
}

// WithMaxWorkers sets the size ceiling. Zero means the logical CPU count,
// which also caps larger values.
func WithMaxWorkers(n int) Option {
	return func(o *poolOptions) { o.maxWorkers = n }
}

// WithInitialWorkers sets how many workers Start spawns.
// Zero means max(MinPoolSize, cpu/2).
func WithInitialWorkers(n int) Option {
	return func(o *poolOptions) { o.initialWorkers = n }
}

// WithSchedulerInterval sets the queue dispatch tick.
func WithSchedulerInterval(d time.Duration) Option {
	return func(o *poolOptions) { o.schedulerInterval = d }
}

// WithMonitorInterval sets how often scaling decisions are made.
func WithMonitorInterval(d time.Duration) Option {
	return func(o *poolOptions) { o.monitorInterval = d }
}

// WithScaleThresholds sets the utilization bounds for scaling up and down.
func WithScaleThresholds(up, down float64) Option {
	return func(o *poolOptions) {
		o.scaleUpThreshold = up
		o.scaleDownThreshold = down
	}
}

// WithScaleUpQueueDepth sets the queue depth that must be exceeded to scale up.
func WithScaleUpQueueDepth(n int) Option {
	return func(o *poolOptions) { o.scaleUpQueueDepth = n }
}

// WithScaleCooldown sets the minimum time between scale events of one direction.
func WithScaleCooldown(d time.Duration) Option {
	return func(o *poolOptions) { o.scaleCooldown = d }
}

// WithShutdownGrace sets how long Shutdown waits for in-flight tasks.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *poolOptions) { o.shutdownGrace = d }
}

// WithInitHook sets a hook run before each worker, restarted ones included,
// starts taking tasks.
func WithInitHook(fn InitFunc) Option {
	return func(o *poolOptions) { o.initHook = fn }
}

// WithInitRetries sets how often a failing init hook is retried.
func WithInitRetries(n uint64) Option {
	return func(o *poolOptions) { o.initRetries = n }
}

// WithCPUCount overrides the detected logical CPU count that bounds the
// pool size.
func WithCPUCount(n int) Option {
	return func(o *poolOptions) { o.cpus = n }
}

// WithClock sets the clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *poolOptions) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *poolOptions) { o.logger = l }
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *metrics.Pool) Option {
	return func(o *poolOptions) { o.metrics = m }
}

// OptionsFromConfig translates the pool config section into options.
// Zero values keep the defaults.
func OptionsFromConfig(cfg config.PoolConfig) []Option {
	var opts []Option
	if cfg.MinWorkers > 0 {
		opts = append(opts, WithMinWorkers(cfg.MinWorkers))
	}
	if cfg.MaxWorkers > 0 {
		opts = append(opts, WithMaxWorkers(cfg.MaxWorkers))
	}
	if cfg.SchedulerInterval > 0 {
		opts = append(opts, WithSchedulerInterval(cfg.SchedulerInterval))
	}
	if cfg.MonitorInterval > 0 {
		opts = append(opts, WithMonitorInterval(cfg.MonitorInterval))
	}
	if cfg.ScaleUpThreshold > 0 || cfg.ScaleDownThreshold > 0 {
		up, down := cfg.ScaleUpThreshold, cfg.ScaleDownThreshold
		if up <= 0 {
			up = DefaultScaleUpThreshold
		}
		if down <= 0 {
			down = DefaultScaleDownThreshold
		}
		opts = append(opts, WithScaleThresholds(up, down))
	}
	if cfg.ScaleUpQueueDepth > 0 {
		opts = append(opts, WithScaleUpQueueDepth(cfg.ScaleUpQueueDepth))
	}
	if cfg.ScaleCooldown > 0 {
		opts = append(opts, WithScaleCooldown(cfg.ScaleCooldown))
	}
	if cfg.ShutdownGrace > 0 {
		opts = append(opts, WithShutdownGrace(cfg.ShutdownGrace))
	}
	return opts
}

// logicalCPUs returns the logical CPU count, falling back to the Go runtime.
func logicalCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// resolveBounds fills in size defaults: floor ≥ MinPoolSize, ceiling at
// most cpus but ≥ floor, initial within [floor, ceiling].
func (o *poolOptions) resolveBounds(cpus int) {
	if o.minWorkers < MinPoolSize {
		o.minWorkers = MinPoolSize
	}
	if o.maxWorkers <= 0 || o.maxWorkers > cpus {
		o.maxWorkers = cpus
	}
	if o.maxWorkers < o.minWorkers {
		o.maxWorkers = o.minWorkers
	}
	if o.initialWorkers <= 0 {
		o.initialWorkers = max(MinPoolSize, cpus/2)
	}
	o.initialWorkers = min(max(o.initialWorkers, o.minWorkers), o.maxWorkers)
}
