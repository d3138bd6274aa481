package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/kb-sync/internal/scan"
	"github.com/fsnotify/fsnotify"
)

const (
	// watcherTickInterval is how often the watcher checks whether pending
	// filesystem events have settled.
	watcherTickInterval = 500 * time.Millisecond

	// defaultQuietPeriod is how long the tree must stay unchanged before
	// a run is triggered, so a burst of writes yields a single run.
	defaultQuietPeriod = 2 * time.Second
)

// Watcher monitors the scan roots and calls trigger once changes to
// syncable files have settled.
type Watcher struct {
	roots   []string
	filter  *scan.Filter
	trigger func(ctx context.Context)
	logger  *slog.Logger
	quiet   time.Duration
	watcher *fsnotify.Watcher

	add func(path string) error
}

// NewWatcher creates a watcher over roots. Excluded directories are not
// watched and events on excluded files are ignored.
func NewWatcher(roots []string, filter *scan.Filter, trigger func(ctx context.Context), logger *slog.Logger) *Watcher {
	return &Watcher{
		roots:   roots,
		filter:  filter,
		trigger: trigger,
		logger:  logger,
		quiet:   defaultQuietPeriod,
	}
}

// Watch blocks until ctx is cancelled. A root that does not exist is
// logged and skipped; the periodic run reports it.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	w.add = watcher.Add
	defer watcher.Close()

	for _, root := range w.roots {
		abs, err := scan.NormalizePath(root)
		if err != nil {
			return fmt.Errorf("normalizing root %s: %w", root, err)
		}

		if err := w.addRecursive(abs); err != nil {
			w.logger.Warn("cannot watch root", slog.String("root", abs), slog.String("error", err.Error()))
			continue
		}

		w.logger.Info("file watcher started", slog.String("root", abs))
	}

	var lastEvent time.Time

	ticker := time.NewTicker(watcherTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("fsnotify events channel closed unexpectedly")
			}

			if w.handleEvent(event) {
				lastEvent = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if lastEvent.IsZero() || time.Since(lastEvent) < w.quiet {
				continue
			}

			lastEvent = time.Time{}

			w.logger.Info("changes detected, starting run")
			w.trigger(ctx)
		}
	}
}

// handleEvent reports whether event concerns a syncable path. New
// directories are added to the watch list.
func (w *Watcher) handleEvent(event fsnotify.Event) bool {
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// The path is gone so its type is unknown. Checking it as a
		// directory skips the extension rule, so removed folders count.
		_ = w.watcher.Remove(event.Name)
		return w.filter.Check(event.Name, true) == scan.Allowed
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}

	// Lstat so a symlink to a directory is not followed, matching the
	// scanner.
	info, err := os.Lstat(event.Name)
	if err != nil {
		return false
	}

	if info.IsDir() {
		if w.filter.Excluded(event.Name, true) {
			return false
		}

		if event.Has(fsnotify.Create) {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("watching new directory", slog.String("path", event.Name), slog.String("error", err.Error()))
			}
		}

		return true
	}

	return !w.filter.Excluded(event.Name, false)
}

// addRecursive watches dir and every non-excluded directory below it.
// Only a failure on dir itself is returned; a subdirectory that cannot
// be read or watched is logged and skipped.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}

			w.logger.Debug("skipping unreadable path", slog.String("path", path), slog.String("error", err.Error()))

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if w.filter.Excluded(path, true) {
			return filepath.SkipDir
		}

		if err := w.add(path); err != nil {
			if path == dir {
				return err
			}

			w.logger.Warn("cannot watch directory", slog.String("path", path), slog.String("error", err.Error()))
		}

		return nil
	})
}
