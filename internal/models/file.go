// Package models defines types shared across internal packages.
package models

import "time"

// UnreadableDigest replaces the content digest of a file that could not
// be read. It never equals a real SHA-256 hex digest.
const UnreadableDigest = "unreadable"

// FileRecord is one file observed during a scan. ModifiedAt is truncated
// to whole seconds in UTC so it compares equal to the persisted value.
type FileRecord struct {
	Path          string    `json:"path"`
	Name          string    `json:"name"`
	ModifiedAt    time.Time `json:"modified_at"`
	SizeBytes     int64     `json:"size_bytes"`
	ContentDigest string    `json:"content_digest"`
}

// Unreadable reports whether the file content could not be hashed.
func (f FileRecord) Unreadable() bool {
	return f.ContentDigest == UnreadableDigest
}

// PersistedRecord is the state store's view of a previously synced file.
// DocumentID belongs to the remote backend and is treated as opaque.
type PersistedRecord struct {
	Path            string    `json:"path"`
	Name            string    `json:"name"`
	ModifiedAt      time.Time `json:"modified_at"`
	SizeBytes       int64     `json:"size_bytes"`
	ContentDigest   string    `json:"content_digest"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	DocumentID      string    `json:"document_id"`
}

// SameFingerprint reports whether the scanned file still matches the
// persisted fingerprint. A change to either the timestamp or the digest
// counts as a change.
func (p PersistedRecord) SameFingerprint(f FileRecord) bool {
	return p.ModifiedAt.Equal(f.ModifiedAt) && p.ContentDigest == f.ContentDigest
}

// TruncateModTime normalizes a filesystem timestamp to the resolution
// used for persisted comparison.
func TruncateModTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
