// Package filewatcher provides file system monitoring adapters.
// Clean Architecture: Adapter implementing ports.FileWatcher.
package filewatcher

import (
	"context"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// FSNotifyWatcher implements ports.FileWatcher using fsnotify.
// Directories are watched rather than files so atomic replaces (write to a
// temp file, rename over the target) are still seen.
type FSNotifyWatcher struct {
	watcher  *fsnotify.Watcher
	patterns []string // base-name globs to report (e.g. "models.json", "*.txt")
	logger   *log.Logger
}

// NewFSNotifyWatcher creates a new file watcher reporting files whose base
// name matches one of patterns. No patterns means every file.
func NewFSNotifyWatcher(patterns []string, logger *log.Logger) (*FSNotifyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FSNotifyWatcher{
		watcher:  w,
		patterns: patterns,
		logger:   logger.WithPrefix("watcher"),
	}, nil
}

// Watch starts monitoring the directory and emits events.
func (w *FSNotifyWatcher) Watch(ctx context.Context, dir string) (<-chan ports.FileEvent, error) {
	if err := w.watcher.Add(dir); err != nil {
		return nil, err
	}

	events := make(chan ports.FileEvent, 100)

	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if !w.matches(event.Name) {
					continue
				}

				var op ports.FileOperation
				switch {
				case event.Has(fsnotify.Create):
					op = ports.FileCreated
				case event.Has(fsnotify.Write):
					op = ports.FileModified
				case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
					op = ports.FileDeleted
				default:
					continue
				}

				select {
				case events <- ports.FileEvent{Path: event.Name, Operation: op}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", "dir", dir, "err", err)
			}
		}
	}()

	return events, nil
}

// Stop stops the watcher.
func (w *FSNotifyWatcher) Stop() error {
	return w.watcher.Close()
}

func (w *FSNotifyWatcher) matches(path string) bool {
	if len(w.patterns) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, p := range w.patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}
