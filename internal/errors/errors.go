package errors

import "errors"

// Scan errors.
var (
	ErrScanRoot     = errors.New("scan root does not exist")
	ErrNotDirectory = errors.New("scan root is not a directory")
	ErrNotRegular   = errors.New("not a regular file")
	ErrNoRoute      = errors.New("no configured root contains path")
)

// Server/transport errors.
var (
	ErrAPIRequest       = errors.New("API request failed")
	ErrAPIResponse      = errors.New("unexpected API response")
	ErrDocumentNotFound = errors.New("document not found")
)

// Persistence errors.
var (
	ErrStateStore     = errors.New("state store failure")
	ErrRecordNotFound = errors.New("no persisted record for path")
	ErrUnsupportedDSN = errors.New("unsupported state DSN")
)
