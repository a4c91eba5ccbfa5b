// Package query runs searches and aggregations: it resolves the index,
// authorizes the subject, translates the request and shapes the engine's
// answer to what the subject may see.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	domquery "github.com/kailas-cloud/amcat/internal/domain/query"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
	"github.com/kailas-cloud/amcat/internal/logger"
)

// CountColumn holds the document count of an aggregation row.
const CountColumn = "n"

// Hit is one returned document. Index is the logical index it came from.
type Hit struct {
	ID     string
	Score  float64
	Fields map[string]any
	Index  string
}

// Result is a page of hits plus an optional aggregation.
type Result struct {
	Hits  []Hit
	Total int64
	// NextCursor is set when the page is full and more hits may follow.
	NextCursor   string
	Partial      bool
	Aggregations *AggregateResult
}

// AggregateResult holds one row per bucket: axis values, n, then metrics.
type AggregateResult struct {
	Columns []string
	Rows    []map[string]any
	Partial bool
}

// Service executes query specifications.
type Service struct {
	indices IndexReader
	auth    Authorizer
	engine  Searcher
	limits  Limits
}

// New creates a query service.
func New(indices IndexReader, auth Authorizer, eng Searcher, limits Limits) *Service {
	return &Service{indices: indices, auth: auth, engine: eng, limits: limits}
}

// Limits returns the configured caps.
func (s *Service) Limits() Limits { return s.limits }

func (s *Service) resolve(ctx context.Context, subject domain.Subject, name string, op role.Operation) (index.Index, role.Level, error) {
	idx, err := s.indices.Lookup(ctx, name)
	if err != nil {
		return index.Index{}, role.None, domain.WrapOp(name, string(op), err)
	}
	lvl, err := s.auth.Authorize(ctx, subject, idx, op)
	if err != nil {
		return index.Index{}, role.None, domain.WrapOp(name, string(op), err)
	}
	return idx, lvl, nil
}

// target is a set of indices resolved and authorized for one request. Its
// index is the combined schema and carries the engine target as physical id.
type target struct {
	idx     index.Index
	level   role.Level
	logical map[string]string
}

// splitNames reads a comma-separated list of index names. Duplicates are dropped.
func splitNames(name string) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range strings.Split(name, ",") {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// resolveTarget resolves name, which may list several indices separated by
// commas. The subject must be allowed op on every one of them.
func (s *Service) resolveTarget(ctx context.Context, subject domain.Subject, name string, op role.Operation) (target, error) {
	names := splitNames(name)
	if len(names) == 1 {
		name = names[0]
	}
	if len(names) <= 1 {
		idx, lvl, err := s.resolve(ctx, subject, name, op)
		if err != nil {
			return target{}, err
		}
		return target{idx: idx, level: lvl, logical: map[string]string{idx.PhysicalID(): idx.Name()}}, nil
	}

	views := make([]index.View, 0, len(names))
	ids := make([]string, 0, len(names))
	t := target{level: role.Admin, logical: make(map[string]string, len(names))}
	for _, n := range names {
		idx, lvl, err := s.resolve(ctx, subject, n, op)
		if err != nil {
			return target{}, err
		}
		views = append(views, index.View{Index: idx, Level: lvl})
		ids = append(ids, idx.PhysicalID())
		t.logical[idx.PhysicalID()] = idx.Name()
		t.level = min(t.level, lvl)
	}
	t.idx = index.Combine(strings.Join(names, ","), views).WithPhysicalID(engine.Targets(ids...))
	return t, nil
}

// Search returns one page of hits and, when requested, the aggregation over
// the same matches. Both engine calls run concurrently. name may list
// several indices separated by commas; they are searched as one.
func (s *Service) Search(ctx context.Context, subject domain.Subject, name string, spec domquery.Spec) (*Result, error) {
	op := string(role.OpQuery)
	t, err := s.resolveTarget(ctx, subject, name, role.OpQuery)
	if err != nil {
		return nil, err
	}
	idx, lvl := t.idx, t.level
	q, err := Translate(spec, lvl, idx, s.limits)
	if err != nil {
		return nil, domain.WrapOp(name, op, err)
	}
	var plan *aggregatePlan
	if spec.Aggregation != nil {
		if plan, err = planAggregate(spec, lvl, idx, s.limits); err != nil {
			return nil, domain.WrapOp(name, op, err)
		}
	}

	var res *engine.SearchResult
	var aggs *AggregateResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		res, err = s.engine.Search(gctx, idx.PhysicalID(), q)
		return err
	})
	if plan != nil {
		g.Go(func() error {
			var err error
			aggs, err = s.runAggregate(gctx, idx.PhysicalID(), plan)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, domain.WrapOp(name, op, err)
	}

	out := &Result{Total: res.Total, Partial: res.Partial, Aggregations: aggs}
	allowed := make(map[string]bool, len(q.Fields))
	for _, f := range q.Fields {
		allowed[f] = true
	}
	out.Hits = make([]Hit, len(res.Hits))
	for i, h := range res.Hits {
		fields := make(map[string]any, len(h.Fields))
		for k, v := range h.Fields {
			if allowed[k] {
				fields[k] = v
			}
		}
		from, ok := t.logical[h.Index]
		if !ok {
			from = idx.Name()
		}
		out.Hits[i] = Hit{ID: h.ID, Score: h.Score, Fields: fields, Index: from}
	}
	if n := len(res.Hits); n > 0 && n == q.Size && len(res.Hits[n-1].Sort) > 0 {
		if out.NextCursor, err = EncodeCursor(res.Hits[n-1].Sort); err != nil {
			return nil, domain.WrapOp(name, op, err)
		}
	}
	if out.Partial {
		logger.FromContext(ctx).Warn("Search returned partial results",
			zap.String("index", name), zap.Int("hits", len(out.Hits)))
	}
	return out, nil
}

// Aggregate runs an aggregation without hits. Like Search it accepts a
// comma-separated list of indices.
func (s *Service) Aggregate(ctx context.Context, subject domain.Subject, name string, spec domquery.Spec) (*AggregateResult, error) {
	op := string(role.OpAggregate)
	t, err := s.resolveTarget(ctx, subject, name, role.OpAggregate)
	if err != nil {
		return nil, err
	}
	idx := t.idx
	plan, err := planAggregate(spec, t.level, idx, s.limits)
	if err != nil {
		return nil, domain.WrapOp(name, op, err)
	}
	out, err := s.runAggregate(ctx, idx.PhysicalID(), plan)
	if err != nil {
		return nil, domain.WrapOp(name, op, err)
	}
	return out, nil
}

// FieldValues lists the distinct values of a keyword-like field, most
// frequent first, capped at the bucket limit.
func (s *Service) FieldValues(ctx context.Context, subject domain.Subject, name, fieldName string) ([]any, error) {
	op := string(role.OpFieldValues)
	idx, lvl, err := s.resolve(ctx, subject, name, role.OpFieldValues)
	if err != nil {
		return nil, err
	}
	f, err := visibleField(idx, lvl, fieldName)
	if err != nil {
		return nil, domain.WrapOp(name, op, err)
	}
	if !f.FieldType().IsKeyword() && f.FieldType() != field.Boolean {
		return nil, domain.WrapOp(name, op, invalidFilter("field %q is %s, values are listed for keyword fields", fieldName, f.FieldType()))
	}
	res, err := s.engine.Aggregate(ctx, idx.PhysicalID(), &engine.AggregateQuery{
		Axes:       []engine.Axis{{Name: fieldName, Field: fieldName, Kind: engine.AxisTerms}},
		MaxBuckets: s.limits.MaxBuckets,
		Timeout:    s.limits.Timeout,
	})
	if err != nil {
		return nil, domain.WrapOp(name, op, err)
	}
	buckets := res.Buckets
	sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].Count > buckets[j].Count })
	out := make([]any, len(buckets))
	for i, b := range buckets {
		out[i] = b.Keys[0]
	}
	return out, nil
}

// runAggregate executes a plan. With a _query axis every label runs as its
// own aggregation, concurrently, and the label is spliced into the keys.
func (s *Service) runAggregate(ctx context.Context, physicalID string, plan *aggregatePlan) (*AggregateResult, error) {
	out := &AggregateResult{Columns: columns(plan)}
	if plan.QueryAxis < 0 {
		res, err := s.engine.Aggregate(ctx, physicalID, plan.Query)
		if err != nil {
			return nil, err
		}
		out.Partial = res.Partial
		out.Rows = rows(plan, "", res.Buckets)
		limitTerms(out, plan)
		return out, nil
	}

	results := make([]*engine.AggregateResult, len(plan.Labels))
	g, gctx := errgroup.WithContext(ctx)
	for i, label := range plan.Labels {
		q := *plan.Query
		q.Text = plan.Nodes[label]
		g.Go(func() error {
			res, err := s.engine.Aggregate(gctx, physicalID, &q)
			if err != nil {
				return fmt.Errorf("query %q: %w", label, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, label := range plan.Labels {
		out.Partial = out.Partial || results[i].Partial
		out.Rows = append(out.Rows, rows(plan, label, results[i].Buckets)...)
	}
	if limit := plan.Query.MaxBuckets; limit > 0 && len(out.Rows) > limit {
		return nil, tooExpensive("%d buckets exceed %d", len(out.Rows), limit)
	}
	limitTerms(out, plan)
	return out, nil
}

func columns(plan *aggregatePlan) []string {
	cols := append([]string{}, plan.AxisNames...)
	cols = append(cols, CountColumn)
	for _, m := range plan.Query.Metrics {
		cols = append(cols, m.Name)
	}
	return cols
}

func rows(plan *aggregatePlan, label string, buckets []engine.Bucket) []map[string]any {
	out := make([]map[string]any, 0, len(buckets))
	for _, b := range buckets {
		row := make(map[string]any, len(plan.AxisNames)+1+len(b.Metrics))
		k := 0
		for i, name := range plan.AxisNames {
			if i == plan.QueryAxis {
				row[name] = label
				continue
			}
			if k < len(b.Keys) {
				row[name] = b.Keys[k]
			}
			k++
		}
		row[CountColumn] = b.Count
		for name, v := range b.Metrics {
			row[name] = v
		}
		out = append(out, row)
	}
	return out
}

// limitTerms keeps, for every terms axis with a size, only rows whose value
// is among the size most frequent values of that axis.
func limitTerms(out *AggregateResult, plan *aggregatePlan) {
	for _, ax := range plan.Query.Axes {
		if ax.Kind != engine.AxisTerms || ax.Size <= 0 {
			continue
		}
		totals := map[any]int64{}
		for _, r := range out.Rows {
			totals[r[ax.Name]] += r[CountColumn].(int64)
		}
		if len(totals) <= ax.Size {
			continue
		}
		values := make([]any, 0, len(totals))
		for v := range totals {
			values = append(values, v)
		}
		sort.SliceStable(values, func(i, j int) bool {
			if totals[values[i]] != totals[values[j]] {
				return totals[values[i]] > totals[values[j]]
			}
			return fmt.Sprint(values[i]) < fmt.Sprint(values[j])
		})
		keep := make(map[any]bool, ax.Size)
		for _, v := range values[:ax.Size] {
			keep[v] = true
		}
		kept := out.Rows[:0]
		for _, r := range out.Rows {
			if keep[r[ax.Name]] {
				kept = append(kept, r)
			}
		}
		out.Rows = kept
	}
}
