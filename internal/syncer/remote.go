package syncer

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -source=remote.go -destination=mock_remote_test.go -package=syncer

import (
	"context"

	"github.com/alexjbarnes/kb-sync/internal/models"
)

// Remote is the document backend the syncer drives. dify.Client
// implements it.
type Remote interface {
	CreateDocument(ctx context.Context, kbID, name string, content []byte) (string, error)
	UpdateDocument(ctx context.Context, kbID, docID, name string, content []byte) error
	DeleteDocument(ctx context.Context, kbID, docID string) error
	DocumentStatus(ctx context.Context, kbID, docID string) (models.DocumentStatus, error)
	SetMetadata(ctx context.Context, kbID, docID string, fields []models.MetadataField) error
}
