package registry

import (
	"context"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// Reloadable is a provider backed by one file.
type Reloadable interface {
	Path() string
	Reload() error
}

// WatchAndReload reloads each target whenever the watcher reports a change
// to its file. Deletions keep the loaded contents. It blocks until ctx is done or the event channel closes.
// All targets must live in dir.
func WatchAndReload(ctx context.Context, w ports.FileWatcher, dir string, logger *log.Logger, targets ...Reloadable) error {
	byName := make(map[string]Reloadable, len(targets))
	for _, t := range targets {
		byName[filepath.Base(t.Path())] = t
	}

	events, err := w.Watch(ctx, dir)
	if err != nil {
		return err
	}
	logger = logger.WithPrefix("registry")
	logger.Info("watching for changes", "dir", dir)

	for ev := range events {
		t, ok := byName[filepath.Base(ev.Path)]
		if !ok || ev.Operation == ports.FileDeleted {
			continue
		}
		if err := t.Reload(); err != nil {
			logger.Warn("reload failed, keeping previous contents", "path", ev.Path, "err", err)
			continue
		}
		logger.Debug("reloaded", "path", ev.Path)
	}
	return ctx.Err()
}
