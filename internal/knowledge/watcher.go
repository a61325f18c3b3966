package knowledge

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/ansuz/internal/storage"
)

// EventCallback is called after a watcher-driven library change.
// kind is one of "created", "updated", "deleted".
type EventCallback func(kind string, path string)

// Watch starts an fsnotify watcher on the library root and keeps the
// knowledge index current until ctx is cancelled. Because rebuilding a
// book costs provider calls, events are debounced into a single sync
// pass; the checksum gate in Sync makes that pass a no-op for books
// that did not actually change.
//
// New directories created at runtime are automatically added to the
// watch list.
func Watch(ctx context.Context, builder *Builder, index TreeIndex, store storage.Provider, libraryRoot string, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, libraryRoot); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", libraryRoot))

	// syncTimer debounces bursts of file events into one sync pass.
	var syncTimer *time.Timer
	var syncCh <-chan time.Time

	scheduleSync := func() {
		if syncTimer == nil {
			syncTimer = time.NewTimer(500 * time.Millisecond)
			syncCh = syncTimer.C
		} else {
			syncTimer.Reset(500 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if syncTimer != nil {
				syncTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-syncCh:
			if err := Sync(ctx, builder, index, store, logger); err != nil {
				logger.Warn("watcher: sync failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new dir", slog.String("path", absPath))
					}
					scheduleSync()
					continue
				}
			}

			if _, isBook := bookExtensions[strings.ToLower(path.Ext(absPath))]; !isBook {
				continue
			}

			rel, relErr := filepath.Rel(libraryRoot, absPath)
			if relErr != nil {
				continue
			}

			switch {
			case ev.Op&fsnotify.Create != 0:
				logger.Debug("watcher: book created", slog.String("path", rel))
				if cb != nil {
					cb("created", rel)
				}
				scheduleSync()

			case ev.Op&fsnotify.Write != 0:
				logger.Debug("watcher: book updated", slog.String("path", rel))
				if cb != nil {
					cb("updated", rel)
				}
				scheduleSync()

			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				// Rename fires on the OLD path only; the new path
				// arrives as a separate Create event. The sync pass
				// removes the stale book either way.
				logger.Debug("watcher: book removed", slog.String("path", rel))
				if cb != nil {
					cb("deleted", rel)
				}
				scheduleSync()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}
