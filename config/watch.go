package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle is how long Watch waits after a change before reloading, so an
// editor's burst of writes produces one reload.
const settle = 100 * time.Millisecond

var errWatcherClosed = errors.New("config watcher closed")

// Watch reloads path whenever it changes and passes each valid result to
// fn. Invalid files are logged and skipped. Watch blocks until ctx ends.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(*Config)) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "config", "path", path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors often replace the file rather than
	// writing it in place, which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	name := filepath.Clean(path)

	for {
		if err := waitForChange(ctx, w, name); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errWatcherClosed) {
				return err
			}
			log.Error("error waiting for config change", "error", err)
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			log.Error("failed to load new config", "error", err)
			continue
		}
		log.Info("config reloaded")
		log.Debug("loaded configuration", "config", cfg.Dump())
		fn(cfg)
	}
}

func waitForChange(ctx context.Context, w *fsnotify.Watcher, name string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			return err
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
		}
		break
	}

	t := time.NewTimer(settle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
		case <-t.C:
			return nil
		}
	}
}
