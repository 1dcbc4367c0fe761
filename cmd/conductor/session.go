package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/battle"
	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/engine"
	"github.com/ShayCichocki/conductor/internal/exec"
	"github.com/ShayCichocki/conductor/internal/executor"
	"github.com/ShayCichocki/conductor/internal/git"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/metrics"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/workerpool"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// session bundles what every command needs: configuration, a logger, the
// metrics registry and the state database.
type session struct {
	cfg     *config.Config
	repo    string
	logger  *zap.Logger
	metrics *metrics.Metrics
	// db is nil when state.enabled is false.
	db *state.DB
	// pool is the worker pool started by worker, nil with use_pool off.
	pool *workerpool.Pool
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// openSession loads config and opens the state database. With quiet set,
// logs go to the repo's .conductor/logs directory so they do not corrupt
// the dashboard.
func openSession(quiet bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	repo, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	var logger *zap.Logger
	switch {
	case cfg.Log.File != "":
		logger, err = logging.New(logging.Options{Level: level, Format: cfg.Log.Format, File: cfg.Log.File})
	case quiet:
		logger = logging.ForRepo(repo, level)
	default:
		logger, err = logging.New(logging.Options{Level: level, Format: cfg.Log.Format})
	}
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	s := &session{
		cfg:     cfg,
		repo:    repo,
		logger:  logger,
		metrics: metrics.New(),
	}
	if !cfg.State.Enabled {
		return s, nil
	}

	path := cfg.State.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(repo, path)
	}
	db, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, multierr.Append(fmt.Errorf("migrate state: %w", err), db.Close())
	}
	s.db = db
	return s, nil
}

// Close closes the state database and flushes the logger.
func (s *session) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	_ = s.logger.Sync()
	return err
}

// store returns the run store, or nil when persistence is disabled.
func (s *session) store() engine.Store {
	if s.db == nil {
		return nil
	}
	return s.db
}

// worker resolves an executor by name into a WorkerFunc. With
// executor.use_pool set, subtasks run as tasks on a started worker pool and
// the returned stop function drains it. Stop also logs the token usage of
// the anthropic executor.
func (s *session) worker(ctx context.Context, name string) (fn executor.WorkerFunc, stop func(context.Context) error, err error) {
	if name == "" {
		name = s.cfg.Executor.Name
	}
	runner := exec.NewRunner()
	reg := executor.BuildRegistry(ctx, s.cfg, runner, s.logger.Named("executor"))
	ex, err := reg.Get(name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w (available: %s)", err, strings.Join(reg.Names(), ", "))
	}
	if !s.cfg.Executor.UsePool {
		return ex.ExecuteSubtask, func(context.Context) error {
			s.logUsage(ex)
			return nil
		}, nil
	}

	priority, err := models.ParsePriority(s.cfg.Executor.Priority)
	if err != nil {
		return nil, nil, err
	}
	opts := append(workerpool.OptionsFromConfig(s.cfg.Pool),
		workerpool.WithLogger(s.logger.Named("pool")),
		workerpool.WithMetrics(s.metrics.Pool),
	)
	if hook := executor.InitHook(ex); hook != nil {
		opts = append(opts, workerpool.WithInitHook(hook))
	}
	pool, err := workerpool.New(workerpool.RequiredConfig{DefaultHandler: executor.PoolHandler(ex)}, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create worker pool: %w", err)
	}
	executor.RegisterPoolHandler(pool, ex)
	if err := pool.Start(ctx); err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("start worker pool: %w", err), pool.Shutdown(context.Background()))
	}
	s.pool = pool
	s.logger.Info("worker pool started", zap.Int("workers", pool.GetStatus().Size))
	return executor.PoolWorkerFunc(pool, priority), func(ctx context.Context) error {
		err := pool.Shutdown(ctx)
		s.logUsage(ex)
		return err
	}, nil
}

// logUsage logs what an executor spent on API calls, if it tracks that.
func (s *session) logUsage(ex executor.Executor) {
	a, ok := ex.(*executor.Anthropic)
	if !ok {
		return
	}
	u, ok := a.Usage()
	if !ok || u.Calls == 0 {
		return
	}
	s.logger.Info("anthropic usage",
		zap.Int("calls", u.Calls),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Float64("cost_usd", u.CostUSD))
}

// engineOptions builds run options from config around fn.
func (s *session) engineOptions(fn executor.WorkerFunc) engine.Options {
	opts := engine.OptionsFromConfig(s.cfg)
	opts.WorkerFn = fn
	opts.Store = s.store()
	opts.Logger = s.logger
	opts.Metrics = s.metrics.Executor
	return opts
}

// orchestrator builds a battle orchestrator over repo, or over the working
// directory when repo is empty.
func (s *session) orchestrator(repo string) *battle.Orchestrator {
	if repo == "" {
		repo = s.repo
	}
	runner := exec.NewRunner()
	opts := append(battle.OptionsFromConfig(s.cfg.Battle, runner),
		battle.WithLogger(s.logger.Named("battle")),
		battle.WithMetrics(s.metrics.Battle),
	)
	if s.db != nil {
		opts = append(opts, battle.WithStore(s.db))
	}
	g := git.NewRunner(repo, git.WithCommandRunner(runner))
	return battle.New(battle.RequiredConfig{Git: g}, opts...)
}

// battleOptions wraps opts with the battle config section.
func (s *session) battleOptions(opts engine.Options, orch *battle.Orchestrator) engine.BattleOptions {
	return engine.BattleOptions{
		Options:      opts,
		Orchestrator: orch,
		BaseBranch:   s.cfg.Battle.BaseBranch,
		RequireTests: s.cfg.Battle.RequireTests,
	}
}
