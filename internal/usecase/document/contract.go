package document

import (
	"context"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
)

// IndexReader resolves ACTIVE indices.
type IndexReader interface {
	Lookup(ctx context.Context, name string) (index.Index, error)
}

// SchemaUpdater registers fields discovered under the auto field policy.
type SchemaUpdater interface {
	UpdateSchema(
		ctx context.Context, name string, fields []field.Field, expectedVersion int64,
	) (index.Index, index.SchemaChange, error)
}

// Authorizer checks an operation and returns the effective level.
type Authorizer interface {
	Authorize(ctx context.Context, s domain.Subject, idx index.Index, op role.Operation) (role.Level, error)
}

// Engine is the slice of the engine the document use cases need.
type Engine interface {
	IndexDocuments(ctx context.Context, physicalID string, docs []engine.Document) ([]engine.ItemOutcome, error)
	GetDocument(ctx context.Context, physicalID, docID string, fields []string) (engine.Document, error)
	UpdateDocument(ctx context.Context, physicalID, docID string, fields map[string]any) error
	DeleteDocument(ctx context.Context, physicalID, docID string) error
	UpdateTags(ctx context.Context, physicalID string, q *engine.Query, u engine.TagUpdate) (int64, error)
	PutFields(ctx context.Context, physicalID string, fields []engine.Field) error
}
