package promptstore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates the store cache when prompt files change on disk.
// Active sessions keep their snapshots; only fresh loads see new content.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
}

// NewWatcher watches the store's prompt directory tree. Call [Watcher.Run] to
// start processing events.
func NewWatcher(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("promptstore: create watcher: %w", err)
	}

	// Watch the whole tree; fsnotify does not recurse on its own.
	err = filepath.WalkDir(store.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("promptstore: watch %q: %w", store.root, err)
	}
	return &Watcher{store: store, watcher: fw}, nil
}

// Run processes filesystem events until ctx is cancelled. Every content
// change clears the whole cache; with a handful of entries per process a
// finer-grained invalidation is not worth tracking.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				// New task directories need their own watch.
				if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
					if err := w.watcher.Add(ev.Name); err != nil {
						slog.Warn("prompt watcher: add new dir", "path", ev.Name, "error", err)
					}
				}
			}
			if ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				slog.Info("prompt content changed, invalidating cache", "path", ev.Name, "op", ev.Op.String())
				w.store.Invalidate()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("prompt watcher error", "error", err)
		}
	}
}
