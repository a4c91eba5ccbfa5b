package document

import (
	"context"
	"testing"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
)

type mockIndices struct {
	idx index.Index
}

func (m *mockIndices) Lookup(_ context.Context, name string) (index.Index, error) {
	if name != m.idx.Name() {
		return index.Index{}, domain.ErrNotFound
	}
	return m.idx, nil
}

type mockSchemas struct {
	calls          int
	updateSchemaFn func(ctx context.Context, name string, fields []field.Field, expected int64) (index.Index, index.SchemaChange, error)
}

func (m *mockSchemas) UpdateSchema(
	ctx context.Context, name string, fields []field.Field, expected int64,
) (index.Index, index.SchemaChange, error) {
	m.calls++
	return m.updateSchemaFn(ctx, name, fields, expected)
}

// fixedAuth gives every subject the same level.
type fixedAuth struct {
	level role.Level
}

func (a *fixedAuth) Authorize(_ context.Context, _ domain.Subject, idx index.Index, op role.Operation) (role.Level, error) {
	if !a.level.Allows(role.RequiredLevel(op)) {
		return a.level, domain.WrapOp(idx.Name(), string(op), domain.ErrForbidden)
	}
	return a.level, nil
}

type mockEngine struct {
	indexed []engine.Document

	indexDocumentsFn func(ctx context.Context, physicalID string, docs []engine.Document) ([]engine.ItemOutcome, error)
	getDocumentFn    func(ctx context.Context, physicalID, docID string, fields []string) (engine.Document, error)
	updateDocumentFn func(ctx context.Context, physicalID, docID string, fields map[string]any) error
	deleteDocumentFn func(ctx context.Context, physicalID, docID string) error
	updateTagsFn     func(ctx context.Context, physicalID string, q *engine.Query, u engine.TagUpdate) (int64, error)
	putFieldsFn      func(ctx context.Context, physicalID string, fields []engine.Field) error
}

func (m *mockEngine) IndexDocuments(ctx context.Context, physicalID string, docs []engine.Document) ([]engine.ItemOutcome, error) {
	m.indexed = append(m.indexed, docs...)
	if m.indexDocumentsFn != nil {
		return m.indexDocumentsFn(ctx, physicalID, docs)
	}
	out := make([]engine.ItemOutcome, len(docs))
	for i, d := range docs {
		out[i] = engine.ItemOutcome{ID: d.ID}
	}
	return out, nil
}

func (m *mockEngine) GetDocument(ctx context.Context, physicalID, docID string, fields []string) (engine.Document, error) {
	return m.getDocumentFn(ctx, physicalID, docID, fields)
}

func (m *mockEngine) UpdateDocument(ctx context.Context, physicalID, docID string, fields map[string]any) error {
	return m.updateDocumentFn(ctx, physicalID, docID, fields)
}

func (m *mockEngine) DeleteDocument(ctx context.Context, physicalID, docID string) error {
	return m.deleteDocumentFn(ctx, physicalID, docID)
}

func (m *mockEngine) UpdateTags(ctx context.Context, physicalID string, q *engine.Query, u engine.TagUpdate) (int64, error) {
	return m.updateTagsFn(ctx, physicalID, q, u)
}

func (m *mockEngine) PutFields(ctx context.Context, physicalID string, fields []engine.Field) error {
	if m.putFieldsFn == nil {
		return nil
	}
	return m.putFieldsFn(ctx, physicalID, fields)
}

var bob = domain.Subject{ID: "bob"}

func newsIndex() index.Index {
	return index.Reconstruct("news", "amcat_news-x", []field.Field{
		field.Reconstruct("title", field.Text, field.Public, 0),
		field.Reconstruct("date", field.Date, field.Public, 0),
		field.Reconstruct("views", field.Long, field.Public, 0),
		field.Reconstruct("tags", field.Tag, field.Public, 0),
		field.Reconstruct("source", field.Keyword, field.Metadata, 0),
		field.Reconstruct("emb", field.Vector, field.Public, 3),
	}, "alice", false, 0, index.StateActive, 1)
}

type fixture struct {
	svc     *Service
	indices *mockIndices
	schemas *mockSchemas
	auth    *fixedAuth
	engine  *mockEngine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		indices: &mockIndices{idx: newsIndex()},
		schemas: &mockSchemas{},
		auth:    &fixedAuth{level: role.Writer},
		engine:  &mockEngine{},
	}
	f.schemas.updateSchemaFn = func(_ context.Context, _ string, fields []field.Field, _ int64) (index.Index, index.SchemaChange, error) {
		merged, change, err := f.indices.idx.MergeFields(fields)
		return merged.WithVersion(2), change, err
	}
	f.svc = New(f.indices, f.schemas, f.auth, f.engine, opts)
	return f
}
