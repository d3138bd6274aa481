package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	apperrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/models"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// defaultHashWorkers is used when the scanner is built with a
// non-positive worker count.
const defaultHashWorkers = 4

// ScanError reports a root that could not be scanned at all. Other
// roots are unaffected.
type ScanError struct {
	Root string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scanning %s: %v", e.Root, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Stats are diagnostic counters for one scan. They never drive control
// flow.
type Stats struct {
	// Accepted counts files placed in the inventory, including those
	// recorded as unreadable.
	Accepted int `json:"accepted"`
	// Unsupported counts files skipped for their extension.
	Unsupported int `json:"unsupported"`
	// Excluded counts files and directories skipped by the blacklist or
	// an ignore pattern.
	Excluded int `json:"excluded"`
	// Hidden counts files skipped for the hidden-file marker.
	Hidden int `json:"hidden"`
	// PermissionDenied counts files and directories that could not be
	// read for lack of permission.
	PermissionDenied int `json:"permission_denied"`
	// Unreadable counts files that failed to read for any other reason.
	Unreadable int `json:"unreadable"`
	// Bytes is the total size of accepted files.
	Bytes int64 `json:"bytes"`
}

// Result is the inventory produced by scanning one root. FailedDirs
// lists directories whose contents could not be fully listed; files
// beneath them may be missing from Files.
type Result struct {
	Root       string              `json:"root"`
	Files      []models.FileRecord `json:"files"`
	FailedDirs []string            `json:"failed_dirs,omitempty"`
	Stats      Stats               `json:"stats"`
}

// Scanner walks directory trees and fingerprints the files that pass
// the filter.
type Scanner struct {
	filter  *Filter
	workers int
	logger  *slog.Logger

	readDir func(string) ([]os.DirEntry, error)
}

// NewScanner creates a scanner. workers bounds the number of files
// hashed concurrently.
func NewScanner(filter *Filter, workers int, logger *slog.Logger) *Scanner {
	if workers <= 0 {
		workers = defaultHashWorkers
	}

	return &Scanner{
		filter:  filter,
		workers: workers,
		logger:  logger,
		readDir: os.ReadDir,
	}
}

// walk holds the mutable state of a single Scan call.
type walk struct {
	s      *Scanner
	mu     sync.Mutex
	result *Result
}

// Scan walks root and returns the fingerprinted files beneath it. A
// missing or non-directory root yields an empty result and a
// *ScanError. The only other error is a cancelled context, in which
// case the partial result is returned alongside it.
func (s *Scanner) Scan(ctx context.Context, root string) (*Result, error) {
	absRoot, err := NormalizePath(root)
	if err != nil {
		return &Result{Root: root}, &ScanError{Root: root, Err: err}
	}

	result := &Result{Root: absRoot}

	info, err := os.Stat(absRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = apperrors.ErrScanRoot
		}

		return result, &ScanError{Root: absRoot, Err: err}
	}

	if !info.IsDir() {
		return result, &ScanError{Root: absRoot, Err: apperrors.ErrNotDirectory}
	}

	s.logger.Info("scan starting", slog.String("root", absRoot))

	if s.filter.Excluded(absRoot, true) {
		s.logger.Info("scan root is excluded", slog.String("root", absRoot))
		result.Stats.Excluded++

		return result, nil
	}

	w := &walk{s: s, result: result}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	walkErr := w.dir(gctx, g, absRoot)
	waitErr := g.Wait()

	sort.Slice(result.Files, func(i, j int) bool {
		return result.Files[i].Path < result.Files[j].Path
	})
	sort.Strings(result.FailedDirs)

	if walkErr != nil {
		return result, walkErr
	}

	if waitErr != nil {
		return result, waitErr
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	st := result.Stats
	s.logger.Info("scan complete",
		slog.String("root", absRoot),
		slog.Int("files", st.Accepted),
		slog.String("size", humanize.Bytes(uint64(st.Bytes))), //nolint:gosec // sizes are non-negative
		slog.Int("unsupported", st.Unsupported),
		slog.Int("excluded", st.Excluded),
		slog.Int("hidden", st.Hidden),
		slog.Int("permission_denied", st.PermissionDenied),
		slog.Int("unreadable", st.Unreadable),
		slog.Int("failed_dirs", len(result.FailedDirs)),
	)

	if st.PermissionDenied > 0 {
		s.logger.Warn("some files could not be read due to permissions; run as a user with read access",
			slog.String("root", absRoot),
			slog.Int("count", st.PermissionDenied),
		)
	}

	return result, nil
}

// dir processes one directory: it classifies every child, schedules the
// surviving files for hashing and only then descends into the surviving
// subdirectories. Prune decisions are final before any child is visited.
func (w *walk) dir(ctx context.Context, g *errgroup.Group, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := w.s.readDir(dir)
	if err != nil {
		w.mu.Lock()
		if errors.Is(err, fs.ErrPermission) {
			w.result.Stats.PermissionDenied++
		}
		w.result.FailedDirs = append(w.result.FailedDirs, dir)
		w.mu.Unlock()

		w.s.logger.Warn("reading directory",
			slog.String("path", dir),
			slog.String("error", err.Error()),
		)
		// ReadDir returns the entries read before the error; keep them.
	}

	var subdirs []string

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())

		isDir := e.IsDir()
		if e.Type()&fs.ModeSymlink != 0 {
			// Links to directories are not followed. Links to files are
			// hashed through the link.
			if target, err := os.Stat(path); err == nil && target.IsDir() {
				w.s.logger.Debug("skipping directory symlink", slog.String("path", path))
				continue
			}
		}

		verdict := w.s.filter.Check(path, isDir)

		if isDir {
			if verdict != Allowed {
				w.s.logger.Info("skipping directory",
					slog.String("path", path),
					slog.String("reason", verdict.String()),
				)
				w.count(verdict)

				continue
			}

			subdirs = append(subdirs, path)

			continue
		}

		if verdict != Allowed {
			if verdict != Unsupported {
				w.s.logger.Debug("skipping file",
					slog.String("path", path),
					slog.String("reason", verdict.String()),
				)
			}

			w.count(verdict)

			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			rec, err := Fingerprint(path)
			w.add(rec, err)

			return nil
		})
	}

	for _, sub := range subdirs {
		if err := w.dir(ctx, g, sub); err != nil {
			return err
		}
	}

	return nil
}

func (w *walk) count(v Verdict) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch v {
	case Unsupported:
		w.result.Stats.Unsupported++
	case Hidden:
		w.result.Stats.Hidden++
	case Blacklisted, Ignored:
		w.result.Stats.Excluded++
	}
}

// add records a fingerprinted file. Unreadable files stay in the
// inventory so their persisted records are not mistaken for deletions.
func (w *walk) add(rec models.FileRecord, err error) {
	if err != nil {
		w.s.logger.Warn("fingerprint failed",
			slog.String("path", rec.Path),
			slog.String("error", err.Error()),
		)
	} else {
		w.s.logger.Debug("found file",
			slog.String("path", rec.Path),
			slog.Int64("size", rec.SizeBytes),
			slog.Time("modified", rec.ModifiedAt),
		)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			w.result.Stats.PermissionDenied++
		} else {
			w.result.Stats.Unreadable++
		}
	}

	w.result.Stats.Accepted++
	w.result.Stats.Bytes += rec.SizeBytes
	w.result.Files = append(w.result.Files, rec)
}
