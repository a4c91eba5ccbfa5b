// Package analysis runs an embedding pass over the documents of an index:
// it reads a text field page by page, embeds it and stores the vector in a
// registered vector field of the same document.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/amcat/internal/domain"
	dombatch "github.com/kailas-cloud/amcat/internal/domain/batch"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	domquery "github.com/kailas-cloud/amcat/internal/domain/query"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
	"github.com/kailas-cloud/amcat/internal/logger"
	"github.com/kailas-cloud/amcat/internal/usecase/query"
)

// Defaults for Options.
const (
	DefaultPageSize     = 100
	DefaultMaxDocuments = 10000
)

// Options configures the pipeline.
type Options struct {
	PageSize     int
	MaxDocuments int
	Limits       query.Limits
}

// Request selects the documents and the fields of one run.
type Request struct {
	SourceField string
	TargetField string
	// Queries and Filters select the documents; empty selects all.
	Queries map[string]string
	Filters map[string]domquery.Filter
	// Overwrite re-embeds documents whose target field is already set.
	Overwrite bool
}

// Result lists one outcome per processed document.
type Result struct {
	Items     []dombatch.Result
	Succeeded int
	Failed    int
	Skipped   int
}

// Service orchestrates analysis runs.
type Service struct {
	indices  IndexReader
	auth     Authorizer
	eng      Engine
	embedder domain.Embedder
	opts     Options
}

// New creates the service. A nil embedder disables it: Run then fails with
// ErrNotImplemented.
func New(indices IndexReader, auth Authorizer, eng Engine, embedder domain.Embedder, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxDocuments <= 0 {
		opts.MaxDocuments = DefaultMaxDocuments
	}
	if opts.Limits == (query.Limits{}) {
		opts.Limits = query.DefaultLimits()
	}
	if opts.PageSize > opts.Limits.MaxPerPage {
		opts.PageSize = opts.Limits.MaxPerPage
	}
	return &Service{indices: indices, auth: auth, eng: eng, embedder: embedder, opts: opts}
}

// Enabled reports whether an embedder is configured.
func (s *Service) Enabled() bool { return s.embedder != nil }

// Run embeds SourceField into TargetField for every selected document.
// A failed document does not stop the run; a provider failure does, and the
// documents of that page are reported as failed.
func (s *Service) Run(ctx context.Context, subject domain.Subject, name string, req Request) (*Result, error) {
	op := string(role.OpRunAnalysis)
	if s.embedder == nil {
		return nil, domain.WrapOp(name, op, fmt.Errorf("analysis: no embedding provider configured: %w", domain.ErrNotImplemented))
	}
	idx, err := s.indices.Lookup(ctx, name)
	if err != nil {
		return nil, domain.WrapOp(name, op, err)
	}
	lvl, err := s.auth.Authorize(ctx, subject, idx, role.OpRunAnalysis)
	if err != nil {
		return nil, domain.WrapOp(name, op, err)
	}
	target, err := checkFields(idx, lvl, req)
	if err != nil {
		return nil, domain.WrapOp(name, op, err)
	}

	q, err := query.Translate(domquery.Spec{
		Queries: req.Queries,
		Filters: req.Filters,
		Sort:    []domquery.SortField{{Field: "_id"}},
		PerPage: s.opts.PageSize,
	}, lvl, idx, s.opts.Limits)
	if err != nil {
		return nil, domain.WrapOp(name, op, err)
	}
	q.Fields = []string{req.SourceField, req.TargetField}

	log := logger.FromContext(ctx).With(zap.String("index", name), zap.String("source", req.SourceField),
		zap.String("target", req.TargetField))
	out := &Result{}
	position := 0
	for position < s.opts.MaxDocuments {
		res, err := s.eng.Search(ctx, idx.PhysicalID(), q)
		if err != nil {
			return nil, domain.WrapOp(name, op, err)
		}
		if len(res.Hits) == 0 {
			break
		}
		stop := s.processPage(ctx, idx, target, req, res.Hits, &position, out)
		if stop || len(res.Hits) < q.Size {
			break
		}
		q.SearchAfter = res.Hits[len(res.Hits)-1].Sort
		q.From = 0
	}

	out.Succeeded, out.Failed = dombatch.Count(out.Items)
	log.Info("Analysis run finished",
		zap.Int("succeeded", out.Succeeded), zap.Int("failed", out.Failed), zap.Int("skipped", out.Skipped))
	if out.Failed > 0 {
		return out, domain.WrapOp(name, op,
			fmt.Errorf("%d of %d documents failed: %w", out.Failed, len(out.Items), domain.ErrPartialWriteFailure))
	}
	return out, nil
}

func checkFields(idx index.Index, lvl role.Level, req Request) (field.Field, error) {
	src, ok := idx.Field(req.SourceField)
	if !ok || !src.VisibleTo(lvl) {
		return field.Field{}, fmt.Errorf("unknown source field %q: %w", req.SourceField, domain.ErrInvalidField)
	}
	if t := src.FieldType(); t != field.Text && !t.IsKeyword() {
		return field.Field{}, fmt.Errorf("source field %q is %s, want text: %w", req.SourceField, t, domain.ErrInvalidField)
	}
	dst, ok := idx.Field(req.TargetField)
	if !ok || !dst.VisibleTo(lvl) {
		return field.Field{}, fmt.Errorf("unknown target field %q: %w", req.TargetField, domain.ErrInvalidField)
	}
	if dst.FieldType() != field.Vector {
		return field.Field{}, fmt.Errorf("target field %q is %s, want vector: %w", req.TargetField, dst.FieldType(), domain.ErrInvalidField)
	}
	return dst, nil
}

// processPage embeds and writes one page. It reports whether the run must stop.
func (s *Service) processPage(
	ctx context.Context, idx index.Index, target field.Field, req Request,
	hits []engine.Hit, position *int, out *Result,
) bool {
	var pending []engine.Hit
	var texts []string
	for _, h := range hits {
		if *position >= s.opts.MaxDocuments {
			break
		}
		if !req.Overwrite && h.Fields[req.TargetField] != nil {
			out.Skipped++
			continue
		}
		text, ok := h.Fields[req.SourceField].(string)
		if !ok || strings.TrimSpace(text) == "" {
			out.Items = append(out.Items, dombatch.NewError(*position, h.ID,
				fmt.Errorf("field %q is empty: %w", req.SourceField, domain.ErrInvalidField)))
			*position++
			continue
		}
		pending = append(pending, h)
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return *position >= s.opts.MaxDocuments
	}

	vectors, err := s.embed(ctx, texts)
	if err != nil {
		for _, h := range pending {
			out.Items = append(out.Items, dombatch.NewError(*position, h.ID, err))
			*position++
		}
		return true
	}

	for i, h := range pending {
		vec := vectors[i]
		var itemErr error
		if len(vec) != target.Dimensions() {
			itemErr = fmt.Errorf("embedding has %d dimensions, field %q expects %d: %w",
				len(vec), target.Name(), target.Dimensions(), domain.ErrInvalidField)
		} else {
			itemErr = s.eng.UpdateDocument(ctx, idx.PhysicalID(), h.ID, map[string]any{req.TargetField: vec})
		}
		if itemErr != nil {
			out.Items = append(out.Items, dombatch.NewError(*position, h.ID, itemErr))
			if errors.Is(itemErr, domain.ErrEngineUnavailable) {
				*position++
				return true
			}
		} else {
			out.Items = append(out.Items, dombatch.NewOK(*position, h.ID))
		}
		*position++
	}
	return *position >= s.opts.MaxDocuments
}

func (s *Service) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var res domain.BatchEmbeddingResult
	var err error
	if be, ok := s.embedder.(domain.BatchEmbedder); ok {
		res, err = be.BatchEmbed(ctx, texts)
	} else {
		res, err = domain.BatchFallback(ctx, s.embedder, texts)
	}
	if err != nil {
		if !errors.Is(err, domain.ErrEmbeddingProviderError) {
			err = fmt.Errorf("%w: %w", domain.ErrEmbeddingProviderError, err)
		}
		return nil, err
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("got %d vectors for %d texts: %w", len(res.Embeddings), len(texts), domain.ErrEmbeddingProviderError)
	}
	return res.Embeddings, nil
}
