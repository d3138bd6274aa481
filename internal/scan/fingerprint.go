package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	apperrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/models"
)

// hashChunkSize bounds the memory used to hash a file regardless of its
// size.
const hashChunkSize = 64 * 1024

// ReadError reports a file that could not be fingerprinted. The scan
// keeps going; the file is recorded with models.UnreadableDigest.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Fingerprint computes the identity of one file. Metadata is captured
// once from the open handle so the timestamp and size describe the same
// file the content was read from.
//
// On failure the returned record still carries the path and name, with
// ContentDigest set to models.UnreadableDigest, and the error is a
// *ReadError.
func Fingerprint(path string) (models.FileRecord, error) {
	rec := models.FileRecord{
		Path:          path,
		Name:          filepath.Base(path),
		ContentDigest: models.UnreadableDigest,
	}

	f, err := os.Open(path) //nolint:gosec // G304: path comes from the directory walk
	if err != nil {
		return rec, &ReadError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return rec, &ReadError{Path: path, Err: err}
	}

	rec.ModifiedAt = models.TruncateModTime(info.ModTime())
	rec.SizeBytes = info.Size()

	// Reading a FIFO or device could block forever.
	if !info.Mode().IsRegular() {
		return rec, &ReadError{Path: path, Err: apperrors.ErrNotRegular}
	}

	h := sha256.New()
	buf := make([]byte, hashChunkSize)

	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}

		if err == io.EOF {
			break
		}

		if err != nil {
			return rec, &ReadError{Path: path, Err: err}
		}
	}

	rec.ContentDigest = hex.EncodeToString(h.Sum(nil))

	return rec, nil
}
