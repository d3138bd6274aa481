package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	apperrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/models"
	"golang.org/x/sync/errgroup"
)

// StatusChecker reports the backend status of one document.
type StatusChecker interface {
	DocumentStatus(ctx context.Context, kbID, docID string) (models.DocumentStatus, error)
}

// RepairPlan is the outcome of the status-repair pass.
type RepairPlan struct {
	// Actions holds one Reupload per failed document whose file still
	// exists, sorted by path.
	Actions []Action

	// Healthy counts documents whose status needs no action.
	Healthy int

	// Skipped lists failed documents whose file is gone. The structural
	// pass deletes them on the next run.
	Skipped []string

	// CheckFailures counts status queries that returned an error.
	CheckFailures int
}

// Paths returns the paths scheduled for reupload.
func (p *RepairPlan) Paths() []string {
	out := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		out = append(out, a.Path())
	}

	return out
}

// PlanRepairs queries the status of every persisted document not listed
// in exclude and schedules a Reupload for each one the backend reports
// as failed or no longer knows, provided exists reports the local file
// is still present. Pass the paths the structural pass deleted as
// exclude so a record is never both deleted and reuploaded.
//
// Status queries run concurrently. A failed query is logged and
// counted; it never aborts the pass. The returned error is non-nil only
// when ctx is cancelled.
func (r *Reconciler) PlanRepairs(ctx context.Context, persisted []models.PersistedRecord, exclude []string, checker StatusChecker, exists func(path string) bool) (*RepairPlan, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, p := range exclude {
		skip[p] = struct{}{}
	}

	var (
		mu   sync.Mutex
		plan = &RepairPlan{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.statusWorkers)

	for _, rec := range persisted {
		if _, ok := skip[rec.Path]; ok {
			continue
		}

		if err := gctx.Err(); err != nil {
			break
		}

		g.Go(func() error {
			status, err := checker.DocumentStatus(gctx, rec.KnowledgeBaseID, rec.DocumentID)
			if errors.Is(err, apperrors.ErrDocumentNotFound) {
				status, err = models.StatusMissing, nil
			}

			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}

			present := err == nil && status.NeedsRepair() && exists(rec.Path)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil:
				plan.CheckFailures++

				r.logger.Warn("checking document status",
					slog.String("path", rec.Path),
					slog.String("document_id", rec.DocumentID),
					slog.String("error", err.Error()),
				)
			case !status.NeedsRepair():
				plan.Healthy++
			case !present:
				plan.Skipped = append(plan.Skipped, rec.Path)

				r.logger.Info("document needs repair but file is gone, skipping",
					slog.String("path", rec.Path),
					slog.String("status", string(status)),
				)
			default:
				r.logger.Info("document needs repair",
					slog.String("path", rec.Path),
					slog.String("status", string(status)),
				)

				plan.Actions = append(plan.Actions, Reupload{
					FilePath:        rec.Path,
					KnowledgeBaseID: rec.KnowledgeBaseID,
					DocumentID:      rec.DocumentID,
				})
			}

			return nil
		})
	}

	waitErr := g.Wait()

	sort.Slice(plan.Actions, func(i, j int) bool {
		return plan.Actions[i].Path() < plan.Actions[j].Path()
	})
	sort.Strings(plan.Skipped)

	if waitErr != nil {
		return plan, waitErr
	}

	if err := ctx.Err(); err != nil {
		return plan, err
	}

	r.logger.Info("status repair planned",
		slog.Int("reupload", len(plan.Actions)),
		slog.Int("healthy", plan.Healthy),
		slog.Int("skipped", len(plan.Skipped)),
		slog.Int("check_failures", plan.CheckFailures),
	)

	return plan, nil
}
