// Package syncer drives one reconciliation run: scan every root, diff
// against the state store and apply the resulting actions to the
// remote knowledge base.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/models"
	"github.com/alexjbarnes/kb-sync/internal/reconcile"
	"github.com/alexjbarnes/kb-sync/internal/scan"
	"github.com/alexjbarnes/kb-sync/internal/state"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSyncWorkers = 4

	// metadataDirectoryField is the name of the metadata field carrying a
	// document's directory relative to its root.
	metadataDirectoryField = "directory"
)

// Config holds the syncer settings that are not collaborators.
type Config struct {
	// Roots are the directories scanned on every run.
	Roots []string

	// Workers bounds the number of actions applied concurrently.
	Workers int

	// MetadataFieldID is the backend id of the "directory" metadata
	// field. Metadata is not set when empty.
	MetadataFieldID string
}

// Summary reports the outcome of one run. Failed actions are counted,
// not returned as errors: the next run retries them.
type Summary struct {
	// RunID tags the run's start and summary log lines.
	RunID string

	Files       int
	Bytes       int64
	FailedRoots []string
	FailedDirs  []string

	Created    int
	Updated    int
	Deleted    int
	Reuploaded int
	Failed     int

	Unchanged     int
	Unrouted      int
	Unreadable    int
	Protected     int
	CheckFailures int

	Duration time.Duration
}

// Syncer owns the collaborators of a run. Runs are serialized; a second
// call to Run waits for the first to finish.
type Syncer struct {
	cfg        Config
	scanner    *scan.Scanner
	reconciler *reconcile.Reconciler
	store      state.Store
	remote     Remote
	logger     *slog.Logger

	readFile func(string) ([]byte, error)

	mu sync.Mutex
}

// New creates a syncer.
func New(cfg Config, scanner *scan.Scanner, reconciler *reconcile.Reconciler, store state.Store, remote Remote, logger *slog.Logger) *Syncer {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultSyncWorkers
	}

	return &Syncer{
		cfg:        cfg,
		scanner:    scanner,
		reconciler: reconciler,
		store:      store,
		remote:     remote,
		logger:     logger,
		readFile:   os.ReadFile,
	}
}

// Run performs one full reconciliation. The returned error is non-nil
// only when the run could not complete: the state store failed or ctx
// was cancelled. Per-file and per-action failures are logged and
// counted in the summary.
func (s *Syncer) Run(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	sum := &Summary{RunID: uuid.NewString()}

	s.logger.Info("sync run starting", slog.String("run_id", sum.RunID), slog.Int("roots", len(s.cfg.Roots)))

	inv, err := s.scanAll(ctx, sum)
	if err != nil {
		return sum, err
	}

	persisted, err := s.store.All()
	if err != nil {
		return sum, fmt.Errorf("%w: loading records: %w", apperrors.ErrStateStore, err)
	}

	plan := s.reconciler.Reconcile(inv, persisted)
	sum.Unchanged = len(plan.Unchanged)
	sum.Unrouted = len(plan.Unrouted)
	sum.Unreadable = len(plan.Unreadable)
	sum.Protected = len(plan.Protected)

	if err := s.execute(ctx, plan.Actions, sum); err != nil {
		return sum, err
	}

	// Reuploads start only after every structural action has finished,
	// so no two actions on one path overlap.
	persisted, err = s.store.All()
	if err != nil {
		return sum, fmt.Errorf("%w: reloading records: %w", apperrors.ErrStateStore, err)
	}

	repairs, err := s.reconciler.PlanRepairs(ctx, persisted, plan.Paths(reconcile.KindDelete), s.remote, fileExists)
	if err != nil {
		return sum, err
	}

	sum.CheckFailures = repairs.CheckFailures

	if err := s.execute(ctx, repairs.Actions, sum); err != nil {
		return sum, err
	}

	sum.Duration = time.Since(start)

	s.logger.Info("sync run complete",
		slog.String("run_id", sum.RunID),
		slog.Int("files", sum.Files),
		slog.String("size", humanize.Bytes(uint64(sum.Bytes))), //nolint:gosec // sizes are non-negative
		slog.Int("created", sum.Created),
		slog.Int("updated", sum.Updated),
		slog.Int("deleted", sum.Deleted),
		slog.Int("reuploaded", sum.Reuploaded),
		slog.Int("failed", sum.Failed),
		slog.Int("unchanged", sum.Unchanged),
		slog.Int("unrouted", sum.Unrouted),
		slog.Int("failed_roots", len(sum.FailedRoots)),
		slog.Int("failed_dirs", len(sum.FailedDirs)),
		slog.Duration("duration", sum.Duration),
	)

	return sum, nil
}

// scanAll scans every configured root. A root that cannot be scanned is
// recorded as failed; the others continue.
func (s *Syncer) scanAll(ctx context.Context, sum *Summary) (reconcile.Inventory, error) {
	var inv reconcile.Inventory

	for _, root := range s.cfg.Roots {
		res, err := s.scanner.Scan(ctx, root)
		if err != nil {
			var se *scan.ScanError
			if !errors.As(err, &se) {
				return inv, err
			}

			s.logger.Error("scan failed", slog.String("root", root), slog.String("error", err.Error()))
			inv.FailedRoots = append(inv.FailedRoots, root)
			sum.FailedRoots = append(sum.FailedRoots, root)

			continue
		}

		inv.Files = append(inv.Files, res.Files...)
		inv.FailedDirs = append(inv.FailedDirs, res.FailedDirs...)
		sum.FailedDirs = append(sum.FailedDirs, res.FailedDirs...)
		sum.Files += len(res.Files)
		sum.Bytes += res.Stats.Bytes
	}

	return inv, nil
}

// execute applies actions on a bounded pool. A state store failure
// stops the pool and is returned; any other failure is counted.
func (s *Syncer) execute(ctx context.Context, actions []reconcile.Action, sum *Summary) error {
	if len(actions) == 0 {
		return ctx.Err()
	}

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for _, a := range actions {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			err := s.apply(gctx, a)

			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				sum.count(a.Kind())
				return nil
			}

			if errors.Is(err, apperrors.ErrStateStore) {
				return err
			}

			sum.Failed++

			s.logger.Warn("action failed",
				slog.String("action", a.Kind().String()),
				slog.String("path", a.Path()),
				slog.String("error", err.Error()),
			)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

func (sum *Summary) count(k reconcile.Kind) {
	switch k {
	case reconcile.KindCreate:
		sum.Created++
	case reconcile.KindUpdate:
		sum.Updated++
	case reconcile.KindDelete:
		sum.Deleted++
	case reconcile.KindReupload:
		sum.Reuploaded++
	}
}

func (s *Syncer) apply(ctx context.Context, a reconcile.Action) error {
	switch act := a.(type) {
	case reconcile.Create:
		return s.create(ctx, act)
	case reconcile.Update:
		return s.update(ctx, act)
	case reconcile.Delete:
		return s.delete(ctx, act)
	case reconcile.Reupload:
		return s.reupload(ctx, act)
	default:
		return fmt.Errorf("unknown action %T", a)
	}
}

// create uploads a new file, then records it. If the record cannot be
// written the new document is deleted again so a later run can retry
// the create without leaving an orphan behind.
func (s *Syncer) create(ctx context.Context, a reconcile.Create) error {
	content, err := s.readFile(a.File.Path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	docID, err := s.remote.CreateDocument(ctx, a.KnowledgeBaseID, a.File.Name, content)
	if err != nil {
		return err
	}

	if err := s.store.Insert(a.File, a.KnowledgeBaseID, docID); err != nil {
		s.compensate(ctx, a.File.Path, a.KnowledgeBaseID, docID)
		return fmt.Errorf("%w: recording %s: %w", apperrors.ErrStateStore, a.File.Path, err)
	}

	s.logger.Info("document created",
		slog.String("path", a.File.Path),
		slog.String("knowledge_base_id", a.KnowledgeBaseID),
		slog.String("document_id", docID),
	)

	s.setMetadata(ctx, a.File.Path, a.KnowledgeBaseID, docID)

	return nil
}

func (s *Syncer) update(ctx context.Context, a reconcile.Update) error {
	content, err := s.readFile(a.File.Path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if err := s.remote.UpdateDocument(ctx, a.KnowledgeBaseID, a.DocumentID, a.File.Name, content); err != nil {
		return err
	}

	if err := s.store.UpdateFingerprint(a.File); err != nil {
		return fmt.Errorf("%w: recording %s: %w", apperrors.ErrStateStore, a.File.Path, err)
	}

	s.logger.Info("document updated",
		slog.String("path", a.File.Path),
		slog.String("document_id", a.DocumentID),
	)

	return nil
}

func (s *Syncer) delete(ctx context.Context, a reconcile.Delete) error {
	if err := s.deleteRemote(ctx, a.KnowledgeBaseID, a.DocumentID); err != nil {
		return err
	}

	if err := s.store.Delete(a.FilePath); err != nil {
		return fmt.Errorf("%w: removing %s: %w", apperrors.ErrStateStore, a.FilePath, err)
	}

	s.logger.Info("document deleted",
		slog.String("path", a.FilePath),
		slog.String("document_id", a.DocumentID),
	)

	return nil
}

// reupload replaces a failed document: delete, create, record the new
// id. The file is read first so an unreadable file never loses its
// remote copy.
func (s *Syncer) reupload(ctx context.Context, a reconcile.Reupload) error {
	content, err := s.readFile(a.FilePath)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if err := s.deleteRemote(ctx, a.KnowledgeBaseID, a.DocumentID); err != nil {
		return err
	}

	docID, err := s.remote.CreateDocument(ctx, a.KnowledgeBaseID, filepath.Base(a.FilePath), content)
	if err != nil {
		return err
	}

	if err := s.store.UpdateDocumentID(a.FilePath, docID); err != nil {
		// The record still names the old, now deleted, document; the next
		// run finds it missing and reuploads again.
		s.compensate(ctx, a.FilePath, a.KnowledgeBaseID, docID)
		return fmt.Errorf("%w: recording %s: %w", apperrors.ErrStateStore, a.FilePath, err)
	}

	s.logger.Info("document reuploaded",
		slog.String("path", a.FilePath),
		slog.String("old_document_id", a.DocumentID),
		slog.String("document_id", docID),
	)

	s.setMetadata(ctx, a.FilePath, a.KnowledgeBaseID, docID)

	return nil
}

// deleteRemote deletes a document, treating one the backend no longer
// knows as already deleted.
func (s *Syncer) deleteRemote(ctx context.Context, kbID, docID string) error {
	err := s.remote.DeleteDocument(ctx, kbID, docID)
	if errors.Is(err, apperrors.ErrDocumentNotFound) {
		s.logger.Debug("document already gone", slog.String("document_id", docID))
		return nil
	}

	return err
}

func (s *Syncer) compensate(ctx context.Context, path, kbID, docID string) {
	if err := s.deleteRemote(context.WithoutCancel(ctx), kbID, docID); err != nil {
		s.logger.Error("removing unrecorded document failed, it is now orphaned",
			slog.String("path", path),
			slog.String("document_id", docID),
			slog.String("error", err.Error()),
		)
	}
}

// setMetadata tags a document with its directory relative to its root.
// Failure is logged; the document itself is already in place.
func (s *Syncer) setMetadata(ctx context.Context, path, kbID, docID string) {
	if s.cfg.MetadataFieldID == "" {
		return
	}

	route, err := s.reconciler.Router().Resolve(path)
	if err != nil {
		s.logger.Warn("skipping document metadata", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	fields := []models.MetadataField{{
		ID:    s.cfg.MetadataFieldID,
		Name:  metadataDirectoryField,
		Value: route.RelativeDir(path),
		Type:  "string",
	}}

	if err := s.remote.SetMetadata(ctx, kbID, docID, fields); err != nil {
		s.logger.Warn("setting document metadata",
			slog.String("path", path),
			slog.String("document_id", docID),
			slog.String("error", err.Error()),
		)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
