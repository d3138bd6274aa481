// Package reconcile diffs a scanned inventory against persisted sync
// state and produces the actions that bring the remote knowledge base
// back in line with disk.
package reconcile

import (
	"log/slog"
	"sort"

	"github.com/alexjbarnes/kb-sync/internal/models"
	"github.com/alexjbarnes/kb-sync/internal/scan"
)

const defaultStatusWorkers = 4

// Inventory is the combined output of scanning every configured root.
// FailedRoots lists roots whose scan returned a ScanError and FailedDirs
// lists directories that could not be listed; persisted records beneath
// either are never scheduled for deletion.
type Inventory struct {
	Files       []models.FileRecord
	FailedRoots []string
	FailedDirs  []string
}

// Plan is the outcome of one structural reconciliation. Only Actions
// require work; the path lists are diagnostic.
type Plan struct {
	Actions []Action

	// Unchanged lists paths whose fingerprint matches the store.
	Unchanged []string

	// Unrouted lists new files no configured root contains.
	Unrouted []string

	// Unreadable lists new files that could not be hashed. They are
	// created once a later scan can read them.
	Unreadable []string

	// Protected lists persisted paths missing from the scan that lie
	// under a root or directory whose scan failed.
	Protected []string
}

// Count returns the number of actions of the given kind.
func (p *Plan) Count(k Kind) int {
	n := 0

	for _, a := range p.Actions {
		if a.Kind() == k {
			n++
		}
	}

	return n
}

// Paths returns the paths of all actions of the given kind.
func (p *Plan) Paths(k Kind) []string {
	var out []string

	for _, a := range p.Actions {
		if a.Kind() == k {
			out = append(out, a.Path())
		}
	}

	return out
}

// Reconciler classifies scanned and persisted files into actions. It
// holds no state between calls, so a single value can serve every run.
type Reconciler struct {
	router        *Router
	logger        *slog.Logger
	statusWorkers int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithStatusWorkers bounds the number of concurrent status checks made
// by PlanRepairs.
func WithStatusWorkers(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.statusWorkers = n
		}
	}
}

// New creates a reconciler that routes files with router.
func New(router *Router, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		router:        router,
		logger:        logger,
		statusWorkers: defaultStatusWorkers,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Router returns the router used to assign collections.
func (r *Reconciler) Router() *Router {
	return r.router
}

// Reconcile compares the scanned inventory with the persisted records
// and returns the structural actions needed:
//
//   - a scanned file with no persisted record becomes Create, unless it
//     is unreadable or unrouted
//   - a scanned file whose modification time or digest differs from
//     its record becomes Update against the persisted collection
//   - a persisted record with no scanned file becomes Delete, unless its
//     root or one of its directories failed to scan
//
// Each path yields at most one action. Actions are sorted by path.
// This is a pure function with no I/O.
func (r *Reconciler) Reconcile(inv Inventory, persisted []models.PersistedRecord) *Plan {
	plan := &Plan{}

	scanned := make(map[string]models.FileRecord, len(inv.Files))
	for _, f := range inv.Files {
		// Nested roots can report the same file twice.
		scanned[f.Path] = f
	}

	stored := make(map[string]models.PersistedRecord, len(persisted))
	for _, p := range persisted {
		stored[p.Path] = p
	}

	for path, f := range scanned {
		prev, ok := stored[path]
		if !ok {
			r.classifyNew(plan, f)
			continue
		}

		if prev.SameFingerprint(f) {
			plan.Unchanged = append(plan.Unchanged, path)
			continue
		}

		plan.Actions = append(plan.Actions, Update{
			File:            f,
			KnowledgeBaseID: prev.KnowledgeBaseID,
			DocumentID:      prev.DocumentID,
		})
	}

	for path, prev := range stored {
		if _, ok := scanned[path]; ok {
			continue
		}

		if underAny(path, inv.FailedRoots) || underAny(path, inv.FailedDirs) {
			plan.Protected = append(plan.Protected, path)
			continue
		}

		plan.Actions = append(plan.Actions, Delete{
			FilePath:        path,
			KnowledgeBaseID: prev.KnowledgeBaseID,
			DocumentID:      prev.DocumentID,
		})
	}

	sort.Slice(plan.Actions, func(i, j int) bool {
		return plan.Actions[i].Path() < plan.Actions[j].Path()
	})
	sort.Strings(plan.Unchanged)
	sort.Strings(plan.Unrouted)
	sort.Strings(plan.Unreadable)
	sort.Strings(plan.Protected)

	for _, path := range plan.Unrouted {
		r.logger.Warn("file matches no configured root, not syncing", slog.String("path", path))
	}

	for _, path := range plan.Protected {
		r.logger.Info("keeping record under unscanned directory", slog.String("path", path))
	}

	r.logger.Info("reconciliation planned",
		slog.Int("scanned", len(scanned)),
		slog.Int("persisted", len(stored)),
		slog.Int("create", plan.Count(KindCreate)),
		slog.Int("update", plan.Count(KindUpdate)),
		slog.Int("delete", plan.Count(KindDelete)),
		slog.Int("unchanged", len(plan.Unchanged)),
		slog.Int("unrouted", len(plan.Unrouted)),
		slog.Int("unreadable", len(plan.Unreadable)),
		slog.Int("protected", len(plan.Protected)),
	)

	return plan
}

func (r *Reconciler) classifyNew(plan *Plan, f models.FileRecord) {
	route, ok := r.router.Match(f.Path)
	if !ok {
		plan.Unrouted = append(plan.Unrouted, f.Path)
		return
	}

	if f.Unreadable() {
		plan.Unreadable = append(plan.Unreadable, f.Path)
		return
	}

	plan.Actions = append(plan.Actions, Create{
		File:            f,
		KnowledgeBaseID: route.KnowledgeBaseID,
	})
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		abs, err := scan.NormalizePath(root)
		if err != nil {
			continue
		}

		if scan.HasPathPrefix(path, abs) {
			return true
		}
	}

	return false
}
