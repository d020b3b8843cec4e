package registry

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

func quiet() *log.Logger { return log.New(io.Discard) }

const modelsJSON = `{
  "active": "llama3.2@local",
  "models": [
    {"name": "llama3.2", "host": "local", "installed": true, "allow_teen": true, "safe_mode_allowed": true},
    {"name": "qwen", "host": "http://gpu:8000/v1", "provider": "openai", "installed": true}
  ]
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestFileRegistry_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	writeFile(t, path, modelsJSON)

	reg, err := NewFileRegistry(path, quiet())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	ctx := context.Background()

	active, err := reg.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != "llama3.2@local" || !active.Active || active.Provider != "ollama" || !active.AllowTeen {
		t.Errorf("unexpected active model %+v", active)
	}

	qwen, err := reg.Lookup(ctx, "qwen", "http://gpu:8000/v1")
	if err != nil {
		t.Fatal(err)
	}
	if qwen.Provider != "openai" || qwen.Active {
		t.Errorf("unexpected model %+v", qwen)
	}
	if _, err := reg.ByID(ctx, "missing@local"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if len(reg.List()) != 2 {
		t.Errorf("expected 2 models, got %d", len(reg.List()))
	}
}

func TestFileRegistry_MissingFile(t *testing.T) {
	reg, err := NewFileRegistry(filepath.Join(t.TempDir(), "models.json"), quiet())
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if _, err := reg.Active(context.Background()); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected no active model, got %v", err)
	}
}

func TestFileRegistry_BadReloadKeepsContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	writeFile(t, path, modelsJSON)
	reg, _ := NewFileRegistry(path, quiet())

	writeFile(t, path, "{not json")
	if err := reg.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := reg.Active(context.Background()); err != nil {
		t.Errorf("previous contents should survive: %v", err)
	}

	if _, err := NewFileRegistry(path, quiet()); err == nil {
		t.Error("initial load of a broken file should fail")
	}
}

func TestFileSafetyRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "safety.txt")

	rules, err := NewFileSafetyRules(path, quiet())
	if err != nil {
		t.Fatal(err)
	}
	text, _ := rules.Current(context.Background())
	if text != DefaultSafetyText {
		t.Errorf("expected default text, got %q", text)
	}

	writeFile(t, path, "  No swearing.\n")
	rules.Reload()
	text, _ = rules.Current(context.Background())
	if text != "No swearing." {
		t.Errorf("unexpected text %q", text)
	}
}

// fakeWatcher implements ports.FileWatcher with a hand-fed channel.
type fakeWatcher struct {
	events chan ports.FileEvent
}

func (f *fakeWatcher) Watch(ctx context.Context, dir string) (<-chan ports.FileEvent, error) {
	return f.events, nil
}

func (f *fakeWatcher) Stop() error { return nil }

type countingTarget struct {
	path string
	mu   sync.Mutex
	n    int
}

func (c *countingTarget) Path() string { return c.path }
func (c *countingTarget) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}
func (c *countingTarget) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestWatchAndReload(t *testing.T) {
	w := &fakeWatcher{events: make(chan ports.FileEvent, 4)}
	target := &countingTarget{path: "/cfg/models.json"}

	done := make(chan error, 1)
	go func() { done <- WatchAndReload(context.Background(), w, "/cfg", quiet(), target) }()

	w.events <- ports.FileEvent{Path: "/cfg/models.json", Operation: ports.FileModified}
	w.events <- ports.FileEvent{Path: "/cfg/other.json", Operation: ports.FileModified}
	w.events <- ports.FileEvent{Path: "/cfg/models.json", Operation: ports.FileDeleted}
	w.events <- ports.FileEvent{Path: "/cfg/models.json", Operation: ports.FileCreated}
	close(w.events)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch loop did not exit")
	}
	if target.count() != 2 {
		t.Errorf("expected 2 reloads, got %d", target.count())
	}
}
