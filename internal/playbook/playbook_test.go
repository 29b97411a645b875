package playbook

import (
	"context"
	"sync"
	"testing"

	"github.com/relaycore/relaycore/internal/tagx"
)

// New dials the Docker daemon via client.FromEnv; in CI without a daemon
// that's expected to fail, so this just exercises the config defaults.
func TestNewAppliesDefaults(t *testing.T) {
	s, err := New(Config{Workspace: "/tmp/ws"})
	if err != nil {
		t.Skip("docker client init failed (expected in CI without docker):", err)
	}
	defer s.Close()

	if s.image != defaultImage {
		t.Errorf("image = %q, want %q", s.image, defaultImage)
	}
	if s.memoryBytes != defaultMemoryMB*1024*1024 {
		t.Errorf("memoryBytes = %d, want %d", s.memoryBytes, defaultMemoryMB*1024*1024)
	}
	if s.networkMode != defaultNetwork {
		t.Errorf("networkMode = %q, want %q", s.networkMode, defaultNetwork)
	}
}

type fakeRetry struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (f *fakeRetry) Enqueue(ctx context.Context, action string, targetID *string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, payload)
}

func TestEnqueueRetrySkippedWithoutConfiguredQueue(t *testing.T) {
	s := &Sandbox{}
	// Must not panic when no retry queue is wired.
	s.enqueueRetry(context.Background(), tagx.PlaybookCommand{Args: "echo hi"}, "general", "chan1", "boom")
}

func TestEnqueueRetryForwardsCause(t *testing.T) {
	retry := &fakeRetry{}
	s := &Sandbox{retry: retry}
	s.enqueueRetry(context.Background(), tagx.PlaybookCommand{Args: "echo hi"}, "general", "chan1", "boom")

	if len(retry.calls) != 1 {
		t.Fatalf("expected 1 enqueue call, got %d", len(retry.calls))
	}
	if retry.calls[0]["cause"] != "boom" {
		t.Fatalf("cause = %v", retry.calls[0]["cause"])
	}
	if retry.calls[0]["args"] != "echo hi" {
		t.Fatalf("args = %v", retry.calls[0]["args"])
	}
}

func TestBindsForEmptyWorkspace(t *testing.T) {
	if got := bindsFor(""); got != nil {
		t.Fatalf("binds = %v, want nil", got)
	}
	if got := bindsFor("/tmp/ws"); len(got) != 1 || got[0] != "/tmp/ws:/workspace" {
		t.Fatalf("binds = %v", got)
	}
}
