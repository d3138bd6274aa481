package scan

import (
	"fmt"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/text/unicode/norm"
)

// HiddenPrefix marks files that are never synced. macOS writes these
// AppleDouble companions next to real files on non-HFS volumes.
const HiddenPrefix = "._"

// Verdict is the outcome of checking one path against the rules.
type Verdict int

const (
	Allowed Verdict = iota
	Blacklisted
	Hidden
	Ignored
	Unsupported
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Blacklisted:
		return "blacklisted"
	case Hidden:
		return "hidden"
	case Ignored:
		return "ignored"
	case Unsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Rules is the exclusion rule set for a scan.
type Rules struct {
	// Blacklist holds directory or file paths excluded together with
	// everything beneath them.
	Blacklist []string
	// Extensions is the set of file extensions that are synced, with or
	// without the leading dot. Matching is case-insensitive.
	Extensions []string
	// IgnorePatterns are gitignore-style patterns applied to files and
	// directories. They are matched against the path relative to the
	// deepest containing root, so "/build/" only matches at the top of a
	// root.
	IgnorePatterns []string
	// Roots are the scan roots ignore patterns are anchored to. A path
	// under no root is matched in its absolute form.
	Roots []string
}

// Filter decides whether a path is excluded from syncing. It holds no
// mutable state and is safe for concurrent use.
type Filter struct {
	blacklist  []string
	extensions map[string]struct{}
	ignore     *gitignore.GitIgnore
	roots      []string
}

// NewFilter builds a filter from rules. Blacklist entries are normalized
// once here so that relative entries or trailing separators cannot be
// used to bypass them.
func NewFilter(rules Rules) (*Filter, error) {
	f := &Filter{
		extensions: make(map[string]struct{}, len(rules.Extensions)),
	}

	for _, entry := range rules.Blacklist {
		if strings.TrimSpace(entry) == "" {
			continue
		}

		abs, err := NormalizePath(entry)
		if err != nil {
			return nil, fmt.Errorf("normalizing blacklist entry %q: %w", entry, err)
		}

		f.blacklist = append(f.blacklist, abs)
	}

	for _, ext := range rules.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}

		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}

		f.extensions[ext] = struct{}{}
	}

	if len(rules.IgnorePatterns) > 0 {
		f.ignore = gitignore.CompileIgnoreLines(rules.IgnorePatterns...)
	}

	for _, root := range rules.Roots {
		if strings.TrimSpace(root) == "" {
			continue
		}

		abs, err := NormalizePath(root)
		if err != nil {
			return nil, fmt.Errorf("normalizing root %q: %w", root, err)
		}

		f.roots = append(f.roots, abs)
	}

	return f, nil
}

// Excluded reports whether path should be skipped.
func (f *Filter) Excluded(path string, isDir bool) bool {
	return f.Check(path, isDir) != Allowed
}

// Check classifies path. Directories are only subject to the blacklist
// and ignore patterns; files are additionally checked for the hidden
// marker and a supported extension.
func (f *Filter) Check(path string, isDir bool) Verdict {
	abs, err := NormalizePath(path)
	if err != nil {
		// An unresolvable path cannot be compared safely.
		return Blacklisted
	}

	for _, b := range f.blacklist {
		if HasPathPrefix(abs, b) {
			return Blacklisted
		}
	}

	base := filepath.Base(abs)

	if !isDir && strings.HasPrefix(base, HiddenPrefix) {
		return Hidden
	}

	if f.ignore != nil {
		if p, ok := f.ignorePath(abs); ok {
			if isDir {
				p += "/"
			}

			if f.ignore.MatchesPath(p) {
				return Ignored
			}
		}
	}

	if isDir {
		return Allowed
	}

	if _, ok := f.extensions[strings.ToLower(filepath.Ext(base))]; !ok {
		return Unsupported
	}

	return Allowed
}

// ignorePath returns the slash-separated form of path that ignore
// patterns are matched against. A root itself is never matched.
func (f *Filter) ignorePath(path string) (string, bool) {
	var root string

	for _, r := range f.roots {
		if HasPathPrefix(path, r) && len(r) > len(root) {
			root = r
		}
	}

	if root == "" {
		return filepath.ToSlash(path), true
	}

	rel, err := filepath.Rel(norm.NFC.String(root), norm.NFC.String(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}

	return filepath.ToSlash(rel), true
}
