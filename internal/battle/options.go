package battle

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/exec"
	"github.com/ShayCichocki/conductor/internal/git"
	"github.com/ShayCichocki/conductor/internal/metrics"
	"github.com/ShayCichocki/conductor/pkg/models"
)

const (
	DefaultMinSubtasks     = 100
	DefaultMinFiles        = 10
	DefaultMinComplexity   = 7.5
	DefaultMinDevBranches  = 4
	DefaultMaxDevBranches  = 16
	DefaultStagingBranches = 2
	DefaultBranchTemplate  = "conductor/battle-{jobId}-{type}{index}"
	DefaultBaseBranch      = "main"
)

// RequiredConfig contains the minimal required configuration for an
// Orchestrator.
type RequiredConfig struct {
	// Git runs branch and merge commands in the target repository.
	Git git.Runner
}

// SessionStore persists battle sessions. Save errors are logged, not
// returned.
type SessionStore interface {
	SaveBattleSession(ctx context.Context, s *models.BattleSession) error
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	thresholds  models.Thresholds
	worthyKinds map[string]bool
	minDev      int
	maxDev      int
	staging     int
	template    string
	baseBranch  string
	strategy    string
	seed        int64
	strategies  *Strategies
	gate        TestGate
	deleteAfter bool
	store       SessionStore
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *metrics.Battle
}

func defaultOptions() orchestratorOptions {
	return orchestratorOptions{
		thresholds: models.Thresholds{
			MinSubtasks:   DefaultMinSubtasks,
			MinFiles:      DefaultMinFiles,
			MinComplexity: DefaultMinComplexity,
		},
		worthyKinds: map[string]bool{},
		minDev:      DefaultMinDevBranches,
		maxDev:      DefaultMaxDevBranches,
		staging:     DefaultStagingBranches,
		template:    DefaultBranchTemplate,
		baseBranch:  DefaultBaseBranch,
		strategy:    StrategyFileAffinity,
		clock:       clock.New(),
		logger:      zap.NewNop(),
	}
}

// WithThresholds sets the large-job limits. Zero fields keep the default.
func WithThresholds(t models.Thresholds) Option {
	return func(o *orchestratorOptions) {
		if t.MinSubtasks > 0 {
			o.thresholds.MinSubtasks = t.MinSubtasks
		}
		if t.MinFiles > 0 {
			o.thresholds.MinFiles = t.MinFiles
		}
		if t.MinComplexity > 0 {
			o.thresholds.MinComplexity = t.MinComplexity
		}
	}
}

// WithWorthyKinds lists job kinds that always run as a battle.
func WithWorthyKinds(kinds ...string) Option {
	return func(o *orchestratorOptions) {
		for _, k := range kinds {
			o.worthyKinds[k] = true
		}
	}
}

// WithDevBranchBounds clamps the computed dev branch count.
func WithDevBranchBounds(lo, hi int) Option {
	return func(o *orchestratorOptions) {
		if lo > 0 {
			o.minDev = lo
		}
		if hi >= o.minDev {
			o.maxDev = hi
		}
	}
}

// WithStagingBranches sets the staging branch count.
func WithStagingBranches(n int) Option {
	return func(o *orchestratorOptions) {
		if n > 0 {
			o.staging = n
		}
	}
}

// WithBranchTemplate sets the branch name template. It may use {jobId},
// {type} and {index}.
func WithBranchTemplate(tmpl string) Option {
	return func(o *orchestratorOptions) {
		if tmpl != "" {
			o.template = tmpl
		}
	}
}

// WithBaseBranch sets the branch partitions start from when the caller
// passes none.
func WithBaseBranch(name string) Option {
	return func(o *orchestratorOptions) {
		if name != "" {
			o.baseBranch = name
		}
	}
}

// WithStrategy selects the assignment strategy by name.
func WithStrategy(name string) Option {
	return func(o *orchestratorOptions) {
		if name != "" {
			o.strategy = name
		}
	}
}

// WithSeed seeds the random strategy.
func WithSeed(seed int64) Option {
	return func(o *orchestratorOptions) { o.seed = seed }
}

// WithStrategies replaces the strategy registry.
func WithStrategies(s *Strategies) Option {
	return func(o *orchestratorOptions) { o.strategies = s }
}

// WithTestGate sets the gate promotions run when tests are required.
func WithTestGate(g TestGate) Option {
	return func(o *orchestratorOptions) { o.gate = g }
}

// WithDeleteBranchesAfterMerge deletes merged branches at finalization.
func WithDeleteBranchesAfterMerge(b bool) Option {
	return func(o *orchestratorOptions) { o.deleteAfter = b }
}

// WithStore persists sessions after every change.
func WithStore(s SessionStore) Option {
	return func(o *orchestratorOptions) { o.store = s }
}

// WithClock sets the clock used for session timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *orchestratorOptions) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *metrics.Battle) Option {
	return func(o *orchestratorOptions) { o.metrics = m }
}

// OptionsFromConfig translates the battle config section into options. A
// test gate is installed when a test command is configured.
func OptionsFromConfig(cfg config.BattleConfig, runner exec.CommandRunner) []Option {
	opts := []Option{
		WithThresholds(models.Thresholds{
			MinSubtasks:   cfg.MinSubtasks,
			MinFiles:      cfg.MinFiles,
			MinComplexity: cfg.MinComplexity,
		}),
		WithWorthyKinds(cfg.WorthyKinds...),
		WithDevBranchBounds(cfg.MinDevBranches, cfg.MaxDevBranches),
		WithStagingBranches(cfg.StagingBranches),
		WithBranchTemplate(cfg.BranchTemplate),
		WithBaseBranch(cfg.BaseBranch),
		WithStrategy(cfg.Strategy),
		WithSeed(cfg.Seed),
		WithDeleteBranchesAfterMerge(cfg.DeleteBranchesAfterMerge),
	}
	if cfg.TestCommand != "" {
		opts = append(opts, WithTestGate(NewCommandGate(runner, cfg.TestCommand)))
	}
	return opts
}
