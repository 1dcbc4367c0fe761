package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func waitCall(t *testing.T, calls <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestWatcher_Run(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.yaml")
	writeFile(t, path, "id: one\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 16)
	done := make(chan error, 1)
	w := New(path, WithDebounce(20*time.Millisecond))
	go func() {
		done <- w.Run(ctx, func(context.Context) error {
			calls <- struct{}{}
			return errors.New("callback errors are logged only")
		})
	}()

	waitCall(t, calls, "initial call")

	// Other files in the directory are ignored.
	writeFile(t, filepath.Join(dir, "other.yaml"), "id: other\n")
	select {
	case <-calls:
		t.Fatal("change to another file triggered the callback")
	case <-time.After(200 * time.Millisecond):
	}

	writeFile(t, path, "id: two\n")
	waitCall(t, calls, "call after change")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing", "spec.yaml"))
	err := w.Run(context.Background(), func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}
