package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates the loader cache when workspace files change on
// disk. It watches the root plus the souls, memory, and skills
// directories (fsnotify is non-recursive).
type Watcher struct {
	loader  *Loader
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher builds and starts a watcher over the loader's root.
func NewWatcher(loader *Loader, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{loader: loader, watcher: fsw, logger: logger.With("component", "workspace-watch")}
	for _, dir := range w.watchDirs() {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("watch dir skipped", "dir", dir, "error", err)
		}
	}
	return w, nil
}

func (w *Watcher) watchDirs() []string {
	root := w.loader.Root()
	dirs := []string{root}
	for _, sub := range []string{SoulsDir, MemoryDir, SkillsDir} {
		path := filepath.Join(root, sub)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			dirs = append(dirs, path)
		}
	}
	return dirs
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := filepath.Rel(w.loader.Root(), event.Name)
			if err != nil || strings.HasPrefix(rel, ".") {
				continue
			}
			w.loader.Invalidate(filepath.ToSlash(rel))
			w.logger.Debug("workspace file changed", "file", rel, "op", event.Op.String())
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }
