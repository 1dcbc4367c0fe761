package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ShayCichocki/conductor/internal/api"
	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/executor"
	"github.com/ShayCichocki/conductor/internal/metrics"
	"github.com/ShayCichocki/conductor/pkg/models"
)

func testSession(cfg *config.Config) *session {
	return &session{cfg: cfg, repo: ".", logger: zap.NewNop(), metrics: metrics.New()}
}

func TestSessionWorker_UsesPoolByDefault(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CONDUCTOR_ANTHROPIC_API_KEY", "")
	s := testSession(config.Default())

	ctx := context.Background()
	fn, stop, err := s.worker(ctx, "simulate")
	if err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if s.pool == nil {
		t.Fatal("default config did not start a worker pool")
	}

	if _, err := fn(ctx, &models.Subtask{ID: "a", Kind: models.SplitKindFile, Target: "a.go"}); err != nil {
		t.Errorf("subtask failed: %v", err)
	}
	if status := s.pool.GetStatus(); status.Completed != 1 {
		t.Errorf("pool completed = %d, want 1", status.Completed)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(stopCtx); err != nil {
		t.Errorf("stop failed: %v", err)
	}
	if s.pool.GetStatus().Accepting {
		t.Error("pool still accepting after stop")
	}
}

func TestSessionWorker_Direct(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CONDUCTOR_ANTHROPIC_API_KEY", "")
	cfg := config.Default()
	cfg.Executor.UsePool = false
	s := testSession(cfg)

	fn, stop, err := s.worker(context.Background(), "simulate")
	if err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if s.pool != nil {
		t.Error("pool started with use_pool off")
	}
	if _, err := fn(context.Background(), &models.Subtask{ID: "a"}); err != nil {
		t.Errorf("subtask failed: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Errorf("stop failed: %v", err)
	}
}

func TestSessionWorker_UnknownExecutor(t *testing.T) {
	s := testSession(config.Default())
	if _, _, err := s.worker(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown executor")
	}
}

type trackedCompleter struct{ tracker *api.TokenTracker }

func (c *trackedCompleter) Complete(context.Context, string, string) (string, error) {
	c.tracker.Add(1200, 300)
	return "done", nil
}

func (c *trackedCompleter) Tracker() *api.TokenTracker { return c.tracker }

func TestSessionLogUsage(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := testSession(config.Default())
	s.logger = zap.New(core)

	ex := executor.NewAnthropic(&trackedCompleter{tracker: api.NewTokenTracker()})
	s.logUsage(ex)
	if n := logs.FilterMessage("anthropic usage").Len(); n != 0 {
		t.Errorf("logged usage before any call: %d entries", n)
	}

	if _, err := ex.ExecuteSubtask(context.Background(), &models.Subtask{ID: "a", Kind: models.SplitKindFile, Target: "a.go"}); err != nil {
		t.Fatal(err)
	}
	s.logUsage(ex)
	entries := logs.FilterMessage("anthropic usage").All()
	if len(entries) != 1 {
		t.Fatalf("got %d usage entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["calls"] != int64(1) || fields["input_tokens"] != int64(1200) || fields["output_tokens"] != int64(300) {
		t.Errorf("usage fields = %v", fields)
	}

	s.logUsage(executor.NewSimulate())
	if n := logs.FilterMessage("anthropic usage").Len(); n != 1 {
		t.Errorf("simulate executor logged usage")
	}
}
