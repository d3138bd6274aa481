package reconcile

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/scan"
)

// Route associates a scan root with the collection its files sync into.
type Route struct {
	Root            string
	KnowledgeBaseID string
}

// RelativeDir returns the directory of path relative to the route root,
// slash separated with a leading slash. Files directly under the root
// map to "/".
func (r Route) RelativeDir(path string) string {
	rel, err := filepath.Rel(r.Root, filepath.Dir(path))
	if err != nil || rel == "." {
		return "/"
	}

	return "/" + filepath.ToSlash(rel)
}

// Router resolves which collection a file belongs to. Nested roots are
// allowed; the deepest root containing a path wins.
type Router struct {
	routes []Route
}

// NewRouter builds a router from a root to collection mapping. Roots are
// normalized to absolute form. Empty roots or collection ids are
// rejected, as are two roots that normalize to the same path.
func NewRouter(mapping map[string]string) (*Router, error) {
	routes := make([]Route, 0, len(mapping))
	seen := make(map[string]string, len(mapping))

	for root, kbID := range mapping {
		if strings.TrimSpace(root) == "" {
			return nil, errors.New("empty root in knowledge base mapping")
		}

		if strings.TrimSpace(kbID) == "" {
			return nil, fmt.Errorf("root %s has no knowledge base id", root)
		}

		abs, err := scan.NormalizePath(root)
		if err != nil {
			return nil, fmt.Errorf("normalizing root %s: %w", root, err)
		}

		if prev, ok := seen[abs]; ok && prev != kbID {
			return nil, fmt.Errorf("root %s mapped to both %s and %s", abs, prev, kbID)
		}

		if _, ok := seen[abs]; ok {
			continue
		}

		seen[abs] = kbID
		routes = append(routes, Route{Root: abs, KnowledgeBaseID: kbID})
	}

	// Longest root first so Match returns the deepest containing root.
	sort.Slice(routes, func(i, j int) bool {
		if len(routes[i].Root) != len(routes[j].Root) {
			return len(routes[i].Root) > len(routes[j].Root)
		}

		return routes[i].Root < routes[j].Root
	})

	return &Router{routes: routes}, nil
}

// Match returns the route whose root contains path. The second result
// is false when no configured root contains it; such files must not be
// synced anywhere.
func (r *Router) Match(path string) (Route, bool) {
	abs, err := scan.NormalizePath(path)
	if err != nil {
		return Route{}, false
	}

	for _, rt := range r.routes {
		if scan.HasPathPrefix(abs, rt.Root) {
			return rt, true
		}
	}

	return Route{}, false
}

// Resolve is Match returning an error wrapping ErrNoRoute when no root
// contains path.
func (r *Router) Resolve(path string) (Route, error) {
	rt, ok := r.Match(path)
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", apperrors.ErrNoRoute, path)
	}

	return rt, nil
}

// Routes returns the configured routes, deepest root first.
func (r *Router) Routes() []Route {
	out := make([]Route, len(r.routes))
	copy(out, r.routes)

	return out
}
