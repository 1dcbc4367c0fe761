package exec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunShell_Output(t *testing.T) {
	r := NewRunner("CONDUCTOR_TEST_VALUE=42")

	out, err := r.RunShell(context.Background(), t.TempDir(), "echo value=$CONDUCTOR_TEST_VALUE")
	if err != nil {
		t.Fatalf("RunShell failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "value=42" {
		t.Errorf("output = %q, want value=42", string(out))
	}
}

func TestRunShell_ExitCode(t *testing.T) {
	_, err := NewRunner().RunShell(context.Background(), "", "exit 3")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if code := ExitCode(err); code != 3 {
		t.Errorf("ExitCode = %d, want 3", code)
	}
	if ExitCode(nil) != 0 {
		t.Error("ExitCode(nil) should be 0")
	}
	if ExitCode(errors.New("boom")) != -1 {
		t.Error("ExitCode of a plain error should be -1")
	}
}

func TestRun_ContextTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewRunner().Run(ctx, "", "sleep", "5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestExpand(t *testing.T) {
	got := Expand("run {kind} on {target} ({target})", map[string]string{
		"kind":   "file",
		"target": "a.go",
	})
	if got != "run file on a.go (a.go)" {
		t.Errorf("Expand = %q", got)
	}
	if Expand("plain", nil) != "plain" {
		t.Error("Expand without vars should return the template")
	}
}

func TestShellQuote(t *testing.T) {
	out, err := NewRunner().RunShell(context.Background(), "", "printf %s "+ShellQuote("it's $HOME"))
	if err != nil {
		t.Fatalf("RunShell failed: %v", err)
	}
	if string(out) != "it's $HOME" {
		t.Errorf("quoted output = %q", string(out))
	}
}
