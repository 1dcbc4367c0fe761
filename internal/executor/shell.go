package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ShayCichocki/conductor/internal/exec"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// DefaultShellCommand echoes the subtask instead of doing work.
const DefaultShellCommand = "echo {kind} {target}"

// Shell runs a command template through the shell for every subtask.
// Placeholders {id}, {parent}, {kind}, {target} and {depth} are replaced;
// {target} is shell-quoted.
type Shell struct {
	runner   exec.CommandRunner
	template string
	workDir  string
}

// NewShell creates a shell executor. An empty template uses
// DefaultShellCommand.
func NewShell(runner exec.CommandRunner, template, workDir string) *Shell {
	if runner == nil {
		runner = exec.NewRunner()
	}
	if strings.TrimSpace(template) == "" {
		template = DefaultShellCommand
	}
	return &Shell{runner: runner, template: template, workDir: workDir}
}

func (s *Shell) Name() string { return "shell" }

// Command returns the expanded command line for st.
func (s *Shell) Command(st *models.Subtask) string {
	return exec.Expand(s.template, map[string]string{
		"id":     st.ID,
		"parent": st.ParentID,
		"kind":   string(st.Kind),
		"target": exec.ShellQuote(st.Target),
		"depth":  strconv.Itoa(st.Depth),
	})
}

// Prepare checks that the shell starts in the working directory.
func (s *Shell) Prepare(ctx context.Context) error {
	if out, err := s.runner.RunShell(ctx, s.workDir, "true"); err != nil {
		return fmt.Errorf("shell unavailable in %q: %w: %s", s.workDir, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Shell) ExecuteSubtask(ctx context.Context, st *models.Subtask) (string, error) {
	out, err := s.runner.RunShell(ctx, s.workDir, s.Command(st))
	output := strings.TrimSpace(string(out))
	if err != nil {
		if ctx.Err() != nil {
			return output, ctx.Err()
		}
		return output, fmt.Errorf("shell command exited %d: %w", exec.ExitCode(err), err)
	}
	return output, nil
}
