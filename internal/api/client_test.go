package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestNewClient_WithAPIKey(t *testing.T) {
	client, err := NewClient(context.Background(), ClientConfig{
		APIKey: "test-key-123",
		Model:  anthropic.ModelClaudeSonnet4_20250514,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("Model = %q, want %q", client.Model(), anthropic.ModelClaudeSonnet4_20250514)
	}
	if client.Tracker() == nil {
		t.Error("Tracker should not be nil")
	}
}

func TestNewClient_WithEnvVar(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-test-key")

	client, err := NewClient(context.Background(), ClientConfig{})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("default model = %q", client.Model())
	}
}

func TestNewClient_NoAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	if _, err := NewClient(context.Background(), ClientConfig{}); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	tests := []struct {
		in   anthropic.Model
		want anthropic.Model
	}{
		{anthropic.ModelClaudeSonnet4_20250514, "us.anthropic.claude-sonnet-4-20250514-v1:0"},
		{anthropic.ModelClaudeHaiku4_5_20251001, "us.anthropic.claude-haiku-4-5-20251001-v1:0"},
		{"us.anthropic.custom-v1:0", "us.anthropic.custom-v1:0"},
	}
	for _, tt := range tests {
		if got := translateModelForBedrock(tt.in); got != tt.want {
			t.Errorf("translateModelForBedrock(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestComplete(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "done: "}, {"type": "text", "text": "a.js"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`)
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), ClientConfig{
		APIKey:         "test-key",
		MaxTokens:      256,
		BaseURL:        srv.URL,
		DisableRetries: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := client.Complete(context.Background(), "be brief", "refactor a.js")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if out != "done: a.js" {
		t.Errorf("output = %q", out)
	}
	if gotBody["max_tokens"] != float64(256) {
		t.Errorf("max_tokens sent = %v", gotBody["max_tokens"])
	}
	in, outTok := client.Tracker().Total()
	if in != 12 || outTok != 4 || client.Tracker().Calls() != 1 {
		t.Errorf("tracker = %d/%d calls %d", in, outTok, client.Tracker().Calls())
	}
}

func TestComplete_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), ClientConfig{APIKey: "k", BaseURL: srv.URL, DisableRetries: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Complete(context.Background(), "", "x"); err == nil {
		t.Error("expected error from a 400 response")
	}
	if client.Tracker().Calls() != 0 {
		t.Error("failed calls should not be tracked")
	}
}

func TestTokenTracker_Cost(t *testing.T) {
	tr := NewTokenTracker()
	tr.Add(1_000_000, 0)
	tr.Add(0, 1_000_000)
	if math.Abs(tr.Cost()-18.0) > 1e-9 {
		t.Errorf("Cost = %v, want 18", tr.Cost())
	}
}
