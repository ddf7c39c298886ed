// Package watch keeps the index current when files change on disk
// outside the HTTP surface, e.g. via SMB shares or a slicer writing
// straight into the roots.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/printvault/printvault/internal/events"
	"github.com/printvault/printvault/internal/logging"
	"github.com/printvault/printvault/internal/metrics"
)

const defaultDebounce = 2 * time.Second

// Watcher observes both library roots and coalesces raw filesystem
// events into per-folder rebuild callbacks. Bulk copies land as one
// rebuild per touched folder, not one per file.
type Watcher struct {
	ModelRoot  string
	SlicedRoot string

	// Debounce is the quiet period before a changed folder is rebuilt.
	Debounce time.Duration

	// OnFolder is invoked with a top-level project folder name after
	// changes under it settle. OnSliced likewise for the sliced root.
	OnFolder func(ctx context.Context, name string)
	OnSliced func(ctx context.Context)

	Events *events.Broadcaster
}

// Run watches until ctx is cancelled. New directories are picked up as
// they appear.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Debounce <= 0 {
		w.Debounce = defaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addRecursive(fw, w.ModelRoot); err != nil {
		return err
	}
	if w.SlicedRoot != "" {
		if err := addRecursive(fw, w.SlicedRoot); err != nil {
			return err
		}
	}
	logging.Info("filesystem watcher started",
		logging.String("model_root", w.ModelRoot),
		logging.String("sliced_root", w.SlicedRoot))

	// Deadline per pending folder; zero key "" is the sliced root.
	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, ev, pending)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Warn("watcher error", logging.Err(err))

		case now := <-ticker.C:
			w.flush(ctx, pending, now)
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, ev fsnotify.Event, pending map[string]time.Time) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	if isTransient(ev.Name) {
		return
	}

	// Watch directories as they appear so nested creates are seen.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addRecursive(fw, ev.Name); err != nil {
				logging.Warn("cannot watch new directory",
					logging.String("path", ev.Name), logging.Err(err))
			}
		}
	}

	deadline := time.Now().Add(w.Debounce)
	if w.SlicedRoot != "" && within(w.SlicedRoot, ev.Name) {
		metrics.RecordWatcherEvent("sliced")
		pending[""] = deadline
		return
	}
	folder := topLevelFolder(w.ModelRoot, ev.Name)
	if folder == "" {
		return
	}
	metrics.RecordWatcherEvent("model")
	pending[folder] = deadline
}

func (w *Watcher) flush(ctx context.Context, pending map[string]time.Time, now time.Time) {
	for key, deadline := range pending {
		if now.Before(deadline) {
			continue
		}
		delete(pending, key)

		if key == "" {
			if w.OnSliced != nil {
				w.OnSliced(ctx)
			}
		} else {
			logging.Info("folder changed on disk", logging.String("folder", key))
			if w.OnFolder != nil {
				w.OnFolder(ctx, key)
			}
		}
		if w.Events != nil {
			w.Events.Publish(events.Event{Type: events.EventWatcher, Folder: key})
		}
	}
}

// topLevelFolder maps a path under the model root to the project
// folder it belongs to. Changes directly at the root (a new folder)
// map to that folder's own name.
func topLevelFolder(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	name := parts[0]
	if name == "" || strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// isTransient filters editor/upload scratch files.
func isTransient(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp") ||
		strings.HasSuffix(base, ".partial")
}

func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".") && path != root {
			return fs.SkipDir
		}
		return fw.Add(path)
	})
}
