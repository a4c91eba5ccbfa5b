package embedded

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/query/text"
	"github.com/kailas-cloud/amcat/internal/engine"
)

const scanPageSize = 1000

// Date bounds representable as int64 nanoseconds, used for exists checks.
var (
	minDate = time.Date(1678, 1, 1, 0, 0, 0, 0, time.UTC)
	maxDate = time.Date(2261, 12, 31, 0, 0, 0, 0, time.UTC)
)

func buildQuery(node text.Node, textFields []string, filters []engine.Filter) (query.Query, error) {
	var must []query.Query
	if node != nil {
		must = append(must, textQuery(node, textFields))
	}
	for _, f := range filters {
		q, err := filterQuery(f)
		if err != nil {
			return nil, err
		}
		must = append(must, q)
	}
	switch len(must) {
	case 0:
		return bleve.NewMatchAllQuery(), nil
	case 1:
		return must[0], nil
	}
	return bleve.NewConjunctionQuery(must...), nil
}

// perField ORs one query per text field.
func perField(fields []string, mk func(string) query.Query) query.Query {
	if len(fields) == 1 {
		return mk(fields[0])
	}
	qs := make([]query.Query, len(fields))
	for i, f := range fields {
		qs[i] = mk(f)
	}
	return bleve.NewDisjunctionQuery(qs...)
}

func textQuery(node text.Node, fields []string) query.Query {
	if len(fields) == 0 {
		return bleve.NewMatchNoneQuery()
	}
	switch n := node.(type) {
	case text.Term:
		if n.Prefix {
			return perField(fields, func(f string) query.Query {
				q := bleve.NewPrefixQuery(strings.ToLower(n.Value))
				q.SetField(f)
				return q
			})
		}
		return perField(fields, func(f string) query.Query {
			q := bleve.NewMatchQuery(n.Value)
			q.SetField(f)
			return q
		})
	case text.Phrase:
		return perField(fields, func(f string) query.Query {
			q := bleve.NewMatchPhraseQuery(n.Value)
			q.SetField(f)
			return q
		})
	case text.And:
		qs := make([]query.Query, len(n.Nodes))
		for i, c := range n.Nodes {
			qs[i] = textQuery(c, fields)
		}
		return bleve.NewConjunctionQuery(qs...)
	case text.Or:
		qs := make([]query.Query, len(n.Nodes))
		for i, c := range n.Nodes {
			qs[i] = textQuery(c, fields)
		}
		return bleve.NewDisjunctionQuery(qs...)
	case text.Not:
		return negate(textQuery(n.Node, fields))
	}
	return bleve.NewMatchAllQuery()
}

func negate(q query.Query) query.Query {
	b := bleve.NewBooleanQuery()
	b.AddMust(bleve.NewMatchAllQuery())
	b.AddMustNot(q)
	return b
}

func filterQuery(f engine.Filter) (query.Query, error) {
	switch f.Kind {
	case engine.FilterRange:
		return rangeQuery(f)
	case engine.FilterExists:
		return existsQuery(f), nil
	case engine.FilterMissing:
		return negate(existsQuery(f)), nil
	}

	qs := make([]query.Query, 0, len(f.Values))
	for _, v := range f.Values {
		q, err := termQuery(f, v)
		if err != nil {
			return nil, err
		}
		qs = append(qs, q)
	}
	if len(qs) == 1 {
		return qs[0], nil
	}
	return bleve.NewDisjunctionQuery(qs...), nil
}

func termQuery(f engine.Filter, v any) (query.Query, error) {
	incl := true
	switch {
	case f.Type == field.Date:
		t, err := asTime(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", engine.ErrMalformedQuery, f.Field, err)
		}
		q := bleve.NewDateRangeInclusiveQuery(t, t, &incl, &incl)
		q.SetField(f.Field)
		return q, nil
	case f.Type.IsNumeric():
		n, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s: not a number: %v", engine.ErrMalformedQuery, f.Field, v)
		}
		q := bleve.NewNumericRangeInclusiveQuery(&n, &n, &incl, &incl)
		q.SetField(f.Field)
		return q, nil
	case f.Type == field.Boolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s: not a boolean: %v", engine.ErrMalformedQuery, f.Field, v)
		}
		q := bleve.NewBoolFieldQuery(b)
		q.SetField(f.Field)
		return q, nil
	case f.Type == field.Text:
		q := bleve.NewMatchQuery(fmt.Sprint(v))
		q.SetField(f.Field)
		return q, nil
	default:
		q := bleve.NewTermQuery(fmt.Sprint(v))
		q.SetField(f.Field)
		return q, nil
	}
}

// rangeQuery ANDs one query per bound so gt and gte may be combined freely.
func rangeQuery(f engine.Filter) (query.Query, error) {
	type bound struct {
		v     any
		lower bool
		incl  bool
	}
	var qs []query.Query
	for _, b := range []bound{{f.GT, true, false}, {f.GTE, true, true}, {f.LT, false, false}, {f.LTE, false, true}} {
		if b.v == nil {
			continue
		}
		incl := b.incl
		if f.Type == field.Date {
			t, err := asTime(b.v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", engine.ErrMalformedQuery, f.Field, err)
			}
			var q *query.DateRangeQuery
			if b.lower {
				q = bleve.NewDateRangeInclusiveQuery(t, time.Time{}, &incl, nil)
			} else {
				q = bleve.NewDateRangeInclusiveQuery(time.Time{}, t, nil, &incl)
			}
			q.SetField(f.Field)
			qs = append(qs, q)
			continue
		}
		n, ok := asFloat(b.v)
		if !ok {
			return nil, fmt.Errorf("%w: %s: not a number: %v", engine.ErrMalformedQuery, f.Field, b.v)
		}
		var q *query.NumericRangeQuery
		if b.lower {
			q = bleve.NewNumericRangeInclusiveQuery(&n, nil, &incl, nil)
		} else {
			q = bleve.NewNumericRangeInclusiveQuery(nil, &n, nil, &incl)
		}
		q.SetField(f.Field)
		qs = append(qs, q)
	}
	switch len(qs) {
	case 0:
		return bleve.NewMatchAllQuery(), nil
	case 1:
		return qs[0], nil
	}
	return bleve.NewConjunctionQuery(qs...), nil
}

func existsQuery(f engine.Filter) query.Query {
	switch {
	case f.Type == field.Date:
		q := bleve.NewDateRangeQuery(minDate, maxDate)
		q.SetField(f.Field)
		return q
	case f.Type.IsNumeric():
		lo, hi := -math.MaxFloat64, math.MaxFloat64
		q := bleve.NewNumericRangeQuery(&lo, &hi)
		q.SetField(f.Field)
		return q
	case f.Type == field.Boolean:
		t, ff := bleve.NewBoolFieldQuery(true), bleve.NewBoolFieldQuery(false)
		t.SetField(f.Field)
		ff.SetField(f.Field)
		return bleve.NewDisjunctionQuery(t, ff)
	default:
		q := bleve.NewWildcardQuery("*")
		q.SetField(f.Field)
		return q
	}
}

func sortOrder(sorts []engine.Sort) search.SortOrder {
	order := make(search.SortOrder, 0, len(sorts)+1)
	hasID := false
	for _, s := range sorts {
		switch s.Field {
		case "_score":
			order = append(order, &search.SortScore{Desc: s.Desc})
		case field.IDField:
			hasID = true
			order = append(order, &search.SortDocID{Desc: s.Desc})
		default:
			order = append(order, &search.SortField{Field: s.Field, Desc: s.Desc})
		}
	}
	if !hasID {
		order = append(order, &search.SortDocID{})
	}
	return order
}

// scan visits every document matching q in id order.
func scan(ctx context.Context, idx bleve.Index, q query.Query, fn func(id string) error) error {
	var after []string
	for {
		req := bleve.NewSearchRequestOptions(q, scanPageSize, 0, false)
		req.SortByCustom(search.SortOrder{&search.SortDocID{}})
		if after != nil {
			req.SearchAfter = after
		}
		res, err := idx.SearchInContext(ctx, req)
		if err != nil {
			return classify(err)
		}
		for _, h := range res.Hits {
			if err := fn(h.ID); err != nil {
				return err
			}
		}
		if len(res.Hits) < scanPageSize {
			return nil
		}
		after = []string{res.Hits[len(res.Hits)-1].ID}
	}
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", engine.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %w", engine.ErrMalformedQuery, err)
}
