// Package state persists the sync state of every file that has been
// uploaded to the knowledge base.
package state

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/models"
)

// Store is the persisted mapping from file path to its last synced
// fingerprint and remote document. Every method is atomic for the single
// record it touches; no cross-record transactions are offered.
type Store interface {
	// All returns every persisted record.
	All() ([]models.PersistedRecord, error)

	// Insert records a newly created document. An existing record for the
	// same path is replaced.
	Insert(rec models.FileRecord, kbID, docID string) error

	// UpdateFingerprint stores the new fingerprint of an already synced
	// file. It returns ErrRecordNotFound when the path is unknown.
	UpdateFingerprint(rec models.FileRecord) error

	// UpdateDocumentID replaces the remote document of a path after a
	// reupload. It returns ErrRecordNotFound when the path is unknown.
	UpdateDocumentID(path, docID string) error

	// Delete removes the record for path. Deleting an unknown path is not
	// an error.
	Delete(path string) error

	Close() error
}

// Open returns the store described by dsn:
//
//	""                     bbolt at ~/.kb-sync/state.db
//	/path/to/state.db      bbolt at the given path
//	bolt:///path/state.db  bbolt at the given path
//	sqlite:///path/kb.db   SQLite through database/sql
//	postgres://...         PostgreSQL through database/sql
//	mysql://user:pw@host/db MySQL through database/sql
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return Load()
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing state DSN: %w", err)
	}

	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "":
		return LoadAt(dsn)
	case "bolt", "file":
		path, err := dsnPath(parsed)
		if err != nil {
			return nil, err
		}

		return LoadAt(path)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed)
		if err != nil {
			return nil, err
		}

		return OpenSQLite(path)
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	case "mysql":
		return OpenMySQL(dsn)
	default:
		return nil, fmt.Errorf("%w: scheme %q", apperrors.ErrUnsupportedDSN, scheme)
	}
}

// dsnPath extracts a filesystem path from a URL style DSN. Both
// "scheme:///abs/path" and "scheme://rel/path" are accepted.
func dsnPath(u *url.URL) (string, error) {
	path := u.Opaque
	if path == "" {
		path = u.Host + u.Path
	}

	if path == "" {
		return "", fmt.Errorf("%w: %s DSN has no path", apperrors.ErrUnsupportedDSN, u.Scheme)
	}

	return path, nil
}

// DefaultDir returns ~/.kb-sync, where the default state database and
// process lock live.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		// Refuse to fall back to the working directory, which may be a
		// source tree or a scanned root.
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}

	return filepath.Join(home, ".kb-sync"), nil
}

// defaultPath returns ~/.kb-sync/state.db.
func defaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "state.db"), nil
}
