package battle

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/conductor/internal/exec"
)

// TestGate decides whether a dev branch may be promoted. The branch is
// checked out in repoPath when Check runs.
type TestGate interface {
	Check(ctx context.Context, repoPath, branch string) error
}

// TestGateFunc adapts a function to TestGate.
type TestGateFunc func(ctx context.Context, repoPath, branch string) error

func (f TestGateFunc) Check(ctx context.Context, repoPath, branch string) error {
	return f(ctx, repoPath, branch)
}

// CommandGate runs a shell command in the repository. A non-zero exit fails
// the gate. {branch} in the command is replaced with the quoted branch name.
type CommandGate struct {
	runner  exec.CommandRunner
	command string
}

// NewCommandGate creates a CommandGate.
func NewCommandGate(runner exec.CommandRunner, command string) *CommandGate {
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &CommandGate{runner: runner, command: command}
}

func (g *CommandGate) Check(ctx context.Context, repoPath, branch string) error {
	cmd := exec.Expand(g.command, map[string]string{"branch": exec.ShellQuote(branch)})
	out, err := g.runner.RunShell(ctx, repoPath, cmd)
	if err != nil {
		return fmt.Errorf("tests failed on %s (exit %d): %w: %s",
			branch, exec.ExitCode(err), err, strings.TrimSpace(string(out)))
	}
	return nil
}
