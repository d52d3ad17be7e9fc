package policy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the engine when the policy file changes. It watches the
// parent directory so that editors which replace the file, and a file that
// does not exist yet, are both picked up.
type Watcher struct {
	watcher  *fsnotify.Watcher
	engine   *Engine
	file     string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(error)
}

// NewWatcher creates a watcher for engine's policy file. onReload, if
// non-nil, is called after every reload attempt.
func NewWatcher(engine *Engine, logger *slog.Logger, onReload func(error)) (*Watcher, error) {
	if engine.Path() == "" {
		return nil, fmt.Errorf("policy watcher: engine has no policy path")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	abs, err := filepath.Abs(engine.Path())
	if err != nil {
		return nil, fmt.Errorf("policy watcher: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("policy watcher: create %s: %w", dir, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	return &Watcher{
		watcher:  fw,
		engine:   engine,
		file:     abs,
		debounce: reloadDebounce,
		logger:   logger,
		onReload: onReload,
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	err := w.engine.Reload()
	if err != nil {
		w.logger.Error("policy hot-reload failed, keeping previous policy", "error", err)
	} else {
		w.logger.Info("policy hot-reloaded", "path", w.file)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Close releases the file watch without running the loop.
func (w *Watcher) Close() error { return w.watcher.Close() }
