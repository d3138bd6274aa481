package scan

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePath converts a path to absolute, cleaned form: no trailing
// separator and no "." or ".." segments. Call this on every path
// entering the engine: configured roots, blacklist entries and paths
// handed to the filter. The on-disk bytes are otherwise preserved so the
// result can still be opened.
func NormalizePath(path string) (string, error) {
	return filepath.Abs(path)
}

// HasPathPrefix reports whether path equals prefix or lies beneath it.
// Both arguments must already be normalized. The comparison is done on
// the Unicode NFC form of each side, so a decomposed name written by one
// filesystem still matches a composed entry in configuration. A plain
// string prefix test would let "/data/ab" match "/data/a"; this one
// requires a separator boundary.
func HasPathPrefix(path, prefix string) bool {
	path = norm.NFC.String(path)
	prefix = norm.NFC.String(prefix)

	if path == prefix {
		return true
	}

	if strings.HasSuffix(prefix, string(filepath.Separator)) {
		return strings.HasPrefix(path, prefix)
	}

	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}
