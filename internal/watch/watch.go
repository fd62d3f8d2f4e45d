// Package watch signals when the places database changes on disk, so the
// daemon can run a sync pass ahead of its next interval.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// debounceInterval is how often pending events are checked to batch
	// rapid writes into a single signal.
	debounceInterval = 500 * time.Millisecond

	// settleDelay is how long a file must stay quiet before its change
	// is signalled.
	settleDelay = 300 * time.Millisecond
)

// Watcher watches the places database file and coalesces its writes into
// change signals.
type Watcher struct {
	path    string
	logger  *slog.Logger
	changed chan struct{}
}

// NewWatcher creates a watcher for the database at path. The path must be
// absolute; event paths are compared against it by string.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:    path,
		logger:  logger,
		changed: make(chan struct{}, 1),
	}
}

// Changed returns the channel carrying one signal per settled batch of
// database writes. The channel is never closed; a change arriving while a
// signal is already pending folds into it.
func (w *Watcher) Changed() <-chan struct{} {
	return w.changed
}

// Watch blocks until the context is cancelled. It watches the database
// directory rather than the file itself: SQLite creates and removes the
// WAL sidecars, and an inotify watch dies with its inode.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.logger.Info("database watcher started", slog.String("path", w.path))

	// Debounce: batch rapid writes into a single signal.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !w.relevant(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				pending[event.Name] = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			settled := false

			for path, t := range pending {
				if now.Sub(t) < settleDelay {
					continue
				}

				delete(pending, path)

				settled = true
			}

			if settled {
				w.signal()
			}
		}
	}
}

// relevant reports whether the event path is the database or one of its
// sidecar files.
func (w *Watcher) relevant(path string) bool {
	switch path {
	case w.path, w.path + "-wal", w.path + "-shm", w.path + "-journal":
		return true
	}

	return false
}

func (w *Watcher) signal() {
	select {
	case w.changed <- struct{}{}:
	default:
		// A signal is already pending; the next pass covers this write too.
	}
}
