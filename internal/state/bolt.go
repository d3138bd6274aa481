package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.kb-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var filesBucket = []byte("files")

// BoltStore keeps one JSON encoded PersistedRecord per path in an
// embedded bbolt database.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// Load opens the state database at ~/.kb-sync/state.db, creating it if
// it does not exist.
func Load() (*BoltStore, error) {
	path, err := defaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// All returns every record in path order.
func (s *BoltStore) All() ([]models.PersistedRecord, error) {
	var out []models.PersistedRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var rec models.PersistedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record %s: %w", k, err)
			}

			out = append(out, rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Get returns the record for path, or nil if none exists.
func (s *BoltStore) Get(path string) (*models.PersistedRecord, error) {
	var rec *models.PersistedRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(filesBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		rec = &models.PersistedRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// Insert stores a new record, replacing any existing one for the path.
func (s *BoltStore) Insert(f models.FileRecord, kbID, docID string) error {
	rec := models.PersistedRecord{
		Path:            f.Path,
		Name:            f.Name,
		ModifiedAt:      f.ModifiedAt.UTC(),
		SizeBytes:       f.SizeBytes,
		ContentDigest:   f.ContentDigest,
		KnowledgeBaseID: kbID,
		DocumentID:      docID,
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(filesBucket), rec)
	})
}

// UpdateFingerprint stores the new fingerprint of a known path.
func (s *BoltStore) UpdateFingerprint(f models.FileRecord) error {
	return s.modify(f.Path, func(rec *models.PersistedRecord) {
		rec.Name = f.Name
		rec.ModifiedAt = f.ModifiedAt.UTC()
		rec.SizeBytes = f.SizeBytes
		rec.ContentDigest = f.ContentDigest
	})
}

// UpdateDocumentID replaces the remote document id of a known path.
func (s *BoltStore) UpdateDocumentID(path, docID string) error {
	return s.modify(path, func(rec *models.PersistedRecord) {
		rec.DocumentID = docID
	})
}

// Delete removes the record for path.
func (s *BoltStore) Delete(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Delete([]byte(path))
	})
}

// modify applies fn to the record for path inside one transaction.
func (s *BoltStore) modify(path string, fn func(*models.PersistedRecord)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)

		v := b.Get([]byte(path))
		if v == nil {
			return fmt.Errorf("%w: %s", apperrors.ErrRecordNotFound, path)
		}

		var rec models.PersistedRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decoding record %s: %w", path, err)
		}

		fn(&rec)

		return put(b, rec)
	})
}

func put(b *bolt.Bucket, rec models.PersistedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return b.Put([]byte(rec.Path), data)
}
