package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/conductor/internal/api"
	"github.com/ShayCichocki/conductor/pkg/models"
)

const anthropicSystemPrompt = "You are one worker in a parallel build. Complete exactly the subtask you are given and reply with a short summary of what you did."

// Completer is the part of api.Client the anthropic executor needs.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Anthropic sends each subtask to a Claude model as a single prompt.
type Anthropic struct {
	client Completer
}

// NewAnthropic creates an anthropic executor.
func NewAnthropic(client Completer) *Anthropic {
	return &Anthropic{client: client}
}

func (a *Anthropic) Name() string { return "anthropic" }

// Usage reports the token usage of the client, if it tracks any.
func (a *Anthropic) Usage() (api.Usage, bool) {
	tc, ok := a.client.(interface{ Tracker() *api.TokenTracker })
	if !ok || tc.Tracker() == nil {
		return api.Usage{}, false
	}
	return tc.Tracker().Usage(), true
}

func (a *Anthropic) ExecuteSubtask(ctx context.Context, st *models.Subtask) (string, error) {
	out, err := a.client.Complete(ctx, anthropicSystemPrompt, SubtaskPrompt(st))
	if err != nil {
		return "", fmt.Errorf("subtask %s: %w", st.ID, err)
	}
	return strings.TrimSpace(out), nil
}

// SubtaskPrompt renders st as a user prompt.
func SubtaskPrompt(st *models.Subtask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subtask %s (%s)\n", st.ID, st.Kind)
	fmt.Fprintf(&b, "Target: %s\n", st.Target)
	if st.ParentPath != "" {
		fmt.Fprintf(&b, "Part of: %s\n", st.ParentPath)
	}
	if len(st.Dependencies) > 0 {
		fmt.Fprintf(&b, "Already completed: %s\n", strings.Join(st.Dependencies, ", "))
	}
	fmt.Fprintf(&b, "Estimated effort: %s\n", st.EstimatedDuration)
	return b.String()
}
