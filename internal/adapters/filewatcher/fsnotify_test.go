package filewatcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

func newWatcher(t *testing.T, patterns ...string) *FSNotifyWatcher {
	t.Helper()
	w, err := NewFSNotifyWatcher(patterns, log.New(io.Discard))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestFSNotifyWatcher_Matches(t *testing.T) {
	w := newWatcher(t, "models.json", "*.txt")
	tests := []struct {
		path string
		want bool
	}{
		{"/etc/chat/models.json", true},
		{"/etc/chat/models.json.tmp", false},
		{"/etc/chat/safety.txt", true},
		{"/etc/chat/other.json", false},
	}
	for _, tt := range tests {
		if got := w.matches(tt.path); got != tt.want {
			t.Errorf("matches(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	if !newWatcher(t).matches("/anything") {
		t.Error("no patterns should match every file")
	}
}

func TestFSNotifyWatcher_WatchDirectory(t *testing.T) {
	dir := t.TempDir()
	watcher := newWatcher(t, "models.json")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := watcher.Watch(ctx, dir)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0644)
		os.WriteFile(filepath.Join(dir, "models.json"), []byte("{}"), 0644)
	}()

	select {
	case event := <-events:
		if event.Operation != ports.FileCreated {
			t.Errorf("expected create event, got %v", event.Operation)
		}
		if filepath.Base(event.Path) != "models.json" {
			t.Errorf("unexpected path %s", event.Path)
		}
	case <-ctx.Done():
		t.Error("timeout waiting for event")
	}
}

func TestFSNotifyWatcher_MissingDirectory(t *testing.T) {
	w := newWatcher(t)
	if _, err := w.Watch(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("watching a missing directory should fail")
	}
}
