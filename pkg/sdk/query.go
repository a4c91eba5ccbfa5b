package amcat

import (
	"context"
	"fmt"
	"time"

	"github.com/kailas-cloud/amcat/internal/domain"
	analysisuc "github.com/kailas-cloud/amcat/internal/usecase/analysis"
)

// QueryService runs searches, aggregations and analysis on an index.
type QueryService struct {
	index    string
	subject  domain.Subject
	svc      queryUseCase
	analysis analysisUseCase
	obs      *observer
}

// Search returns one page of documents matching q.
func (s *QueryService) Search(ctx context.Context, q Query) (_ QueryResult, err error) {
	start := time.Now()
	defer func() { s.obs.observe("query", s.index, start, err) }()

	res, err := s.svc.Search(ctx, s.subject, s.index, toInternalSpec(q))
	if err != nil {
		return QueryResult{}, fmt.Errorf("search: %w", err)
	}
	return fromInternalResult(res), nil
}

// Aggregate groups the documents matching q.
func (s *QueryService) Aggregate(ctx context.Context, q Query, agg Aggregation) (_ AggregateResult, err error) {
	start := time.Now()
	defer func() { s.obs.observe("aggregate", s.index, start, err) }()

	spec := toInternalSpec(q)
	spec.Aggregation = toInternalAggregation(agg)
	res, err := s.svc.Aggregate(ctx, s.subject, s.index, spec)
	if err != nil {
		return AggregateResult{}, fmt.Errorf("aggregate: %w", err)
	}
	return fromInternalAggregate(res), nil
}

// FieldValues lists the distinct values of a keyword or tag field.
func (s *QueryService) FieldValues(ctx context.Context, fieldName string) (_ []any, err error) {
	start := time.Now()
	defer func() { s.obs.observe("field_values", s.index, start, err) }()

	vals, err := s.svc.FieldValues(ctx, s.subject, s.index, fieldName)
	if err != nil {
		return nil, fmt.Errorf("field values: %w", err)
	}
	return vals, nil
}

// Analyze embeds a text field of the selected documents into a vector field.
// Per-item failures are reported in the result as with Upload.
// It fails with ErrNotImplemented when the client has no Embedder.
func (s *QueryService) Analyze(ctx context.Context, req AnalysisRequest) (_ AnalysisResult, err error) {
	start := time.Now()
	defer func() { s.obs.observe("run_analysis", s.index, start, err) }()

	res, err := s.analysis.Run(ctx, s.subject, s.index, analysisuc.Request{
		SourceField: req.SourceField,
		TargetField: req.TargetField,
		Queries:     req.Queries,
		Filters:     toInternalFilters(req.Filters),
		Overwrite:   req.Overwrite,
	})
	if res == nil {
		return AnalysisResult{}, fmt.Errorf("analyze: %w", err)
	}
	out := AnalysisResult{
		Items:     fromBatchResults(res.Items),
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
	}
	if err != nil {
		return out, fmt.Errorf("analyze: %w", err)
	}
	return out, nil
}
