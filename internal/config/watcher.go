package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type watcher struct {
	fs   *fsnotify.Watcher
	done chan struct{}
}

// Watch reloads the loaded config file whenever it is written or replaced
// and passes each successfully reloaded config to onReload. A file that fails
// to parse is logged and the previous config stays active.
func (l *Loader) Watch(onReload func(*Config), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config.Loader")

	path := l.FilePath()
	if path == "" {
		return errors.New("no config file loaded")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory so editors that rename-and-replace are seen.
	dir := filepath.Dir(absPath)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w := &watcher{fs: fw, done: make(chan struct{})}
	l.watcher = w
	go l.watchLoop(w, absPath, onReload, logger)

	logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *watcher, target string, onReload func(*Config), logger *slog.Logger) {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			abs, _ := filepath.Abs(event.Name)
			if abs != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := l.Reload(); err != nil {
				logger.Error("config reload failed, keeping previous config", "path", target, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", target)
			if onReload != nil {
				onReload(l.Get())
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config watcher, if running.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher == nil {
		return
	}
	_ = l.watcher.fs.Close()
	<-l.watcher.done
	l.watcher = nil
}
