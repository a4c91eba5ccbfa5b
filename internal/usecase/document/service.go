// Package document implements document uploads, single-document reads and
// writes, and tag updates by query.
package document

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/amcat/internal/domain"
	domdoc "github.com/kailas-cloud/amcat/internal/domain/document"
	"github.com/kailas-cloud/amcat/internal/domain/document/patch"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	domquery "github.com/kailas-cloud/amcat/internal/domain/query"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
	"github.com/kailas-cloud/amcat/internal/logger"
	"github.com/kailas-cloud/amcat/internal/usecase/query"
)

// FieldPolicy decides what happens to fields missing from the schema.
type FieldPolicy string

// Field policies.
const (
	// PolicyStrict fails the item carrying an unknown field.
	PolicyStrict FieldPolicy = "strict"
	// PolicyAuto registers inferable unknown fields before indexing.
	PolicyAuto FieldPolicy = "auto"
)

// DefaultMaxBatchSize caps the documents of one upload.
const DefaultMaxBatchSize = 1000

// Options configures the document service.
type Options struct {
	FieldPolicy  FieldPolicy
	MaxBatchSize int
	Limits       query.Limits
}

// Service handles document operations.
type Service struct {
	indices IndexReader
	schemas SchemaUpdater
	auth    Authorizer
	eng     Engine
	opts    Options
}

// New creates a document service.
func New(indices IndexReader, schemas SchemaUpdater, auth Authorizer, eng Engine, opts Options) *Service {
	if opts.FieldPolicy == "" {
		opts.FieldPolicy = PolicyStrict
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Limits == (query.Limits{}) {
		opts.Limits = query.DefaultLimits()
	}
	return &Service{indices: indices, schemas: schemas, auth: auth, eng: eng, opts: opts}
}

func (s *Service) resolve(ctx context.Context, subject domain.Subject, name string, op role.Operation) (index.Index, role.Level, error) {
	idx, err := s.indices.Lookup(ctx, name)
	if err != nil {
		return index.Index{}, role.None, domain.WrapOp(name, string(op), err)
	}
	lvl, err := s.auth.Authorize(ctx, subject, idx, op)
	if err != nil {
		return index.Index{}, role.None, err
	}
	return idx, lvl, nil
}

// Get returns one document restricted to the fields the caller may see.
// An empty fields list returns every visible non-vector field.
func (s *Service) Get(ctx context.Context, subject domain.Subject, name, id string, fields []string) (domdoc.Document, error) {
	op := string(role.OpGetDocument)
	idx, lvl, err := s.resolve(ctx, subject, name, role.OpGetDocument)
	if err != nil {
		return domdoc.Document{}, err
	}
	if err := domdoc.ValidateID(id); err != nil {
		return domdoc.Document{}, domain.WrapOp(name, op, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err))
	}
	projection := query.Projection(fields, lvl, idx)
	allowed := make(map[string]bool, len(projection))
	for _, f := range projection {
		allowed[f] = true
	}
	doc, err := s.eng.GetDocument(ctx, idx.PhysicalID(), id, projection)
	if err != nil {
		return domdoc.Document{}, domain.WrapOp(name, op, err)
	}
	return domdoc.Reconstruct(doc.ID, doc.Fields).Project(func(f string) bool { return allowed[f] }), nil
}

// Update applies a partial update to one document. Values are validated
// against the schema the same way uploads are.
func (s *Service) Update(ctx context.Context, subject domain.Subject, name, id string, raw map[string]any) error {
	op := string(role.OpUpdateDocument)
	idx, _, err := s.resolve(ctx, subject, name, role.OpUpdateDocument)
	if err != nil {
		return err
	}
	if err := domdoc.ValidateID(id); err != nil {
		return domain.WrapOp(name, op, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err))
	}
	p, err := patch.New(raw, idx)
	if err != nil {
		return domain.WrapOp(name, op, err)
	}
	if err := s.eng.UpdateDocument(ctx, idx.PhysicalID(), id, p.Fields()); err != nil {
		return domain.WrapOp(name, op, err)
	}
	logger.FromContext(ctx).Debug("Document updated",
		zap.String("index", name), zap.String("id", id), zap.Strings("fields", p.Names()))
	return nil
}

// Delete removes one document.
func (s *Service) Delete(ctx context.Context, subject domain.Subject, name, id string) error {
	op := string(role.OpDeleteDocument)
	idx, _, err := s.resolve(ctx, subject, name, role.OpDeleteDocument)
	if err != nil {
		return err
	}
	if err := domdoc.ValidateID(id); err != nil {
		return domain.WrapOp(name, op, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err))
	}
	if err := s.eng.DeleteDocument(ctx, idx.PhysicalID(), id); err != nil {
		return domain.WrapOp(name, op, err)
	}
	return nil
}

// TagRequest adds or removes Value in the tag field Field on every document
// matching Query. Pagination, sort and projection of Query are ignored.
type TagRequest struct {
	Query  domquery.Spec
	Field  string
	Action engine.TagAction
	Value  string
}

// UpdateTags runs a tag update by query and returns the number of
// documents changed.
func (s *Service) UpdateTags(ctx context.Context, subject domain.Subject, name string, req TagRequest) (int64, error) {
	op := string(role.OpUpdateTags)
	idx, lvl, err := s.resolve(ctx, subject, name, role.OpUpdateTags)
	if err != nil {
		return 0, err
	}
	f, ok := idx.Field(req.Field)
	if !ok || !f.VisibleTo(lvl) {
		return 0, domain.WrapOp(name, op, fmt.Errorf("unknown field %q: %w", req.Field, domain.ErrInvalidField))
	}
	if f.FieldType() != field.Tag {
		return 0, domain.WrapOp(name, op,
			fmt.Errorf("field %q is %s, not tag: %w", req.Field, f.FieldType(), domain.ErrInvalidField))
	}
	if req.Action != engine.TagAdd && req.Action != engine.TagRemove {
		return 0, domain.WrapOp(name, op,
			fmt.Errorf("action must be %s or %s: %w", engine.TagAdd, engine.TagRemove, domain.ErrInvalidRequest))
	}
	if req.Value == "" {
		return 0, domain.WrapOp(name, op, fmt.Errorf("tag value is required: %w", domain.ErrInvalidRequest))
	}

	spec := domquery.Spec{
		Queries:     req.Query.Queries,
		QueryFields: req.Query.QueryFields,
		Filters:     req.Query.Filters,
	}
	q, err := query.Translate(spec, lvl, idx, s.opts.Limits)
	if err != nil {
		return 0, domain.WrapOp(name, op, err)
	}
	q.Timeout = s.opts.Limits.Timeout
	n, err := s.eng.UpdateTags(ctx, idx.PhysicalID(), q, engine.TagUpdate{Field: f.Name(), Action: req.Action, Value: req.Value})
	if err != nil {
		return 0, domain.WrapOp(name, op, err)
	}
	logger.FromContext(ctx).Info("Tags updated",
		zap.String("index", name), zap.String("field", f.Name()),
		zap.String("action", string(req.Action)), zap.Int64("updated", n))
	return n, nil
}
