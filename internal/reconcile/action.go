package reconcile

import "github.com/alexjbarnes/kb-sync/internal/models"

// Kind identifies an action variant.
type Kind int

const (
	// KindCreate uploads a file the store has never seen.
	KindCreate Kind = iota

	// KindUpdate replaces the remote content of a file whose fingerprint
	// changed since it was last synced.
	KindUpdate

	// KindDelete removes the remote document of a file that disappeared
	// from disk.
	KindDelete

	// KindReupload deletes and recreates a document the backend reports
	// as failed.
	KindReupload
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindReupload:
		return "reupload"
	default:
		return "unknown"
	}
}

// Action is one unit of work produced by the reconciler. Implementations
// are plain values and are never mutated after construction.
type Action interface {
	Kind() Kind
	Path() string
}

// Create uploads File into the collection KnowledgeBaseID.
type Create struct {
	File            models.FileRecord
	KnowledgeBaseID string
}

func (Create) Kind() Kind     { return KindCreate }
func (a Create) Path() string { return a.File.Path }

// Update replaces the content of DocumentID with File.
type Update struct {
	File            models.FileRecord
	KnowledgeBaseID string
	DocumentID      string
}

func (Update) Kind() Kind     { return KindUpdate }
func (a Update) Path() string { return a.File.Path }

// Delete removes DocumentID, whose file at FilePath no longer exists.
type Delete struct {
	FilePath        string
	KnowledgeBaseID string
	DocumentID      string
}

func (Delete) Kind() Kind     { return KindDelete }
func (a Delete) Path() string { return a.FilePath }

// Reupload deletes DocumentID and uploads the file at FilePath again.
type Reupload struct {
	FilePath        string
	KnowledgeBaseID string
	DocumentID      string
}

func (Reupload) Kind() Kind     { return KindReupload }
func (a Reupload) Path() string { return a.FilePath }
