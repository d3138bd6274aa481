package scan

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestScanner(t *testing.T, rules Rules) *Scanner {
	t.Helper()
	return NewScanner(newTestFilter(t, rules), 2, discardLogger)
}

func paths(files []models.FileRecord) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}

func TestScan_AppliesAllRules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.md"), []byte("a"))
	writeFile(t, filepath.Join(root, "c.PDF"), []byte("c"))
	writeFile(t, filepath.Join(root, "skip.exe"), []byte("x"))
	writeFile(t, filepath.Join(root, "._a.md"), []byte("resource fork"))
	writeFile(t, filepath.Join(root, "tmp", "b.md"), []byte("b"))
	writeFile(t, filepath.Join(root, "tmp", "deep", "e.md"), []byte("e"))
	writeFile(t, filepath.Join(root, "sub", "d.md"), []byte("d"))

	s := newTestScanner(t, Rules{
		Blacklist:  []string{filepath.Join(root, "tmp")},
		Extensions: []string{".md", ".pdf"},
	})

	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(root, "a.md"),
		filepath.Join(root, "c.PDF"),
		filepath.Join(root, "sub", "d.md"),
	}, paths(result.Files))

	assert.Equal(t, 3, result.Stats.Accepted)
	assert.Equal(t, 1, result.Stats.Unsupported)
	assert.Equal(t, 1, result.Stats.Hidden)
	assert.Equal(t, 1, result.Stats.Excluded, "the tmp directory is pruned as a whole")
	assert.Equal(t, int64(3), result.Stats.Bytes)
}

func TestScan_RecordsFingerprints(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.md"), []byte("hello"))

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	f := result.Files[0]
	assert.Equal(t, "a.md", f.Name)
	assert.Equal(t, int64(5), f.SizeBytes)
	assert.Equal(t, sha256Hex([]byte("hello")), f.ContentDigest)
}

func TestScan_TwoScansOfUnchangedTreeAreIdentical(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.md", "b.md", "x/c.md", "x/y/d.md", "z/e.md"} {
		writeFile(t, filepath.Join(root, name), []byte(name))
	}

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})

	first, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	second, err := s.Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, first.Files, second.Files)
	assert.Len(t, first.Files, 5)
}

func TestScan_HiddenFilesNeverReturned(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "._secret.md"), []byte("x"))
	writeFile(t, filepath.Join(root, "nested", "._other.pdf"), []byte("x"))

	s := newTestScanner(t, Rules{Extensions: []string{".md", ".pdf"}})
	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Empty(t, result.Files)
	assert.Equal(t, 2, result.Stats.Hidden)
}

func TestScan_MissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nope")

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	result, err := s.Scan(context.Background(), root)

	var se *ScanError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, root, se.Root)
	assert.ErrorIs(t, err, apperrors.ErrScanRoot)
	require.NotNil(t, result)
	assert.Empty(t, result.Files)
}

func TestScan_RootIsFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file.md")
	writeFile(t, root, []byte("x"))

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	result, err := s.Scan(context.Background(), root)

	assert.ErrorIs(t, err, apperrors.ErrNotDirectory)
	assert.Empty(t, result.Files)
}

func TestScan_BlacklistedRootYieldsNothing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.md"), []byte("a"))

	s := newTestScanner(t, Rules{Blacklist: []string{root}, Extensions: []string{".md"}})
	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, result.Files)
}

func TestScan_RelativeRootIsNormalized(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sub", "a.md"), []byte("a"))

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	result, err := s.Scan(context.Background(), filepath.Join(root, "sub", "..", "sub")+string(filepath.Separator))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "sub"), result.Root)
	assert.Equal(t, []string{filepath.Join(root, "sub", "a.md")}, paths(result.Files))
}

func TestScan_IgnorePatternPrunesDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "node_modules", "pkg", "README.md"), []byte("x"))
	writeFile(t, filepath.Join(root, "docs", "guide.md"), []byte("x"))

	s := newTestScanner(t, Rules{Extensions: []string{".md"}, IgnorePatterns: []string{"node_modules/"}})
	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(root, "docs", "guide.md")}, paths(result.Files))
	assert.Equal(t, 1, result.Stats.Excluded)
}

func TestScan_AnchoredIgnorePatternOnlyAtRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "build", "out.md"), []byte("x"))
	writeFile(t, filepath.Join(root, "docs", "build", "kept.md"), []byte("x"))
	writeFile(t, filepath.Join(root, "notes.md"), []byte("x"))
	writeFile(t, filepath.Join(root, "docs", "notes.md"), []byte("x"))

	s := newTestScanner(t, Rules{
		Extensions:     []string{".md"},
		IgnorePatterns: []string{"/build/", "/notes.md"},
		Roots:          []string{root},
	})
	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(root, "docs", "build", "kept.md"),
		filepath.Join(root, "docs", "notes.md"),
	}, paths(result.Files))
	assert.Equal(t, 2, result.Stats.Excluded)
}

func TestScan_DirectorySymlinkNotFollowed(t *testing.T) {
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "elsewhere.md"), []byte("x"))

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.md"), []byte("a"))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(root, "a.md")}, paths(result.Files))
}

func TestScan_FileSymlinkIsHashedThroughLink(t *testing.T) {
	outside := t.TempDir()
	target := filepath.Join(outside, "target.md")
	writeFile(t, target, []byte("linked"))

	root := t.TempDir()
	require.NoError(t, os.Symlink(target, filepath.Join(root, "alias.md")))

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	assert.Equal(t, filepath.Join(root, "alias.md"), result.Files[0].Path)
	assert.Equal(t, sha256Hex([]byte("linked")), result.Files[0].ContentDigest)
}

func TestScan_BrokenSymlinkIsUnreadable(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Symlink(filepath.Join(root, "missing.md"), filepath.Join(root, "dangling.md")))

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	assert.True(t, result.Files[0].Unreadable())
	assert.Equal(t, 1, result.Stats.Unreadable)
}

func TestScan_PermissionDeniedFileStaysInInventory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permissions")
	}

	root := t.TempDir()
	locked := filepath.Join(root, "locked.md")
	writeFile(t, locked, []byte("x"))
	writeFile(t, filepath.Join(root, "open.md"), []byte("y"))
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { os.Chmod(locked, 0o644) })

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, result.Files, 2)
	assert.True(t, result.Files[0].Unreadable(), "locked.md sorts first")
	assert.False(t, result.Files[1].Unreadable())
	assert.Equal(t, 1, result.Stats.PermissionDenied)
}

func TestScan_PermissionDeniedDirectoryIsSkipped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses directory permissions")
	}

	root := t.TempDir()
	locked := filepath.Join(root, "locked")
	writeFile(t, filepath.Join(locked, "a.md"), []byte("x"))
	writeFile(t, filepath.Join(root, "b.md"), []byte("y"))
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(root, "b.md")}, paths(result.Files))
	assert.Equal(t, 1, result.Stats.PermissionDenied)
	assert.Equal(t, []string{locked}, result.FailedDirs)
}

func TestScan_UnlistableDirectoryIsReported(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	writeFile(t, filepath.Join(sub, "a.md"), []byte("a"))
	writeFile(t, filepath.Join(root, "b.md"), []byte("b"))

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	s.readDir = func(dir string) ([]os.DirEntry, error) {
		if dir == sub {
			return nil, &fs.PathError{Op: "open", Path: dir, Err: fs.ErrPermission}
		}
		return os.ReadDir(dir)
	}

	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(root, "b.md")}, paths(result.Files))
	assert.Equal(t, []string{sub}, result.FailedDirs)
	assert.Equal(t, 1, result.Stats.PermissionDenied)
}

func TestScan_DirectoryIOErrorIsReported(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	writeFile(t, filepath.Join(sub, "a.md"), []byte("a"))

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	s.readDir = func(dir string) ([]os.DirEntry, error) {
		if dir == sub {
			return nil, errors.New("input/output error")
		}
		return os.ReadDir(dir)
	}

	result, err := s.Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Empty(t, result.Files)
	assert.Equal(t, []string{sub}, result.FailedDirs)
	assert.Zero(t, result.Stats.PermissionDenied)
}

func TestScan_CancelledContext(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.md"), []byte("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScanner(t, Rules{Extensions: []string{".md"}})
	result, err := s.Scan(ctx, root)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, result.Files)
}

func TestNewScanner_DefaultsWorkers(t *testing.T) {
	s := NewScanner(newTestFilter(t, Rules{}), 0, discardLogger)
	assert.Equal(t, defaultHashWorkers, s.workers)
}
