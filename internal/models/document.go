package models

// DocumentStatus is the indexing status the backend reports for a document.
type DocumentStatus string

const (
	StatusIndexing  DocumentStatus = "indexing"
	StatusCompleted DocumentStatus = "completed"
	StatusAvailable DocumentStatus = "available"
	StatusError     DocumentStatus = "error"

	// StatusMissing is reported locally when the backend no longer knows
	// the document.
	StatusMissing DocumentStatus = "missing"
)

// NeedsRepair reports whether a document in this status must be
// deleted and uploaded again.
func (s DocumentStatus) NeedsRepair() bool {
	return s == StatusError || s == StatusMissing
}

// MetadataField is one custom metadata value attached to a document.
type MetadataField struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type"`
}
