package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/api"
	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/exec"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrUnknownExecutor is returned for a name that was never registered.
var ErrUnknownExecutor = errors.New("unknown executor")

// Executor performs the work of a single subtask.
type Executor interface {
	Name() string
	ExecuteSubtask(ctx context.Context, st *models.Subtask) (string, error)
}

// Registry maps executor names to implementations.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds ex under its own name, replacing any previous entry.
func (r *Registry) Register(ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[ex.Name()] = ex
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, name)
	}
	return ex, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkerFunc returns the named executor as a WorkerFunc.
func (r *Registry) WorkerFunc(name string) (WorkerFunc, error) {
	ex, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return ex.ExecuteSubtask, nil
}

// BuildRegistry registers the built-in executors from cfg. The anthropic
// executor is only available when a key resolves or Bedrock is enabled.
func BuildRegistry(ctx context.Context, cfg *config.Config, runner exec.CommandRunner, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := NewRegistry()
	reg.Register(NewSimulate(
		WithSpeedup(cfg.Executor.SimulateSpeedup),
		WithFailureRate(cfg.Executor.SimulateFailureRate),
	))
	reg.Register(NewShell(runner, cfg.Shell.Command, cfg.Shell.WorkDir))

	key, _, keyErr := config.ResolveAPIKey(cfg)
	if keyErr != nil && !cfg.Anthropic.UseBedrock {
		logger.Debug("anthropic executor disabled", zap.Error(keyErr))
		return reg
	}
	client, err := api.NewClient(ctx, api.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		MaxTokens:     cfg.Anthropic.MaxTokens,
		APIKey:        key,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		logger.Warn("anthropic executor disabled", zap.Error(err))
		return reg
	}
	reg.Register(NewAnthropic(client))
	return reg
}
