package elastic

import (
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/query/text"
	"github.com/kailas-cloud/amcat/internal/engine"
)

// buildQuery renders the query clause. Text runs in scoring context,
// filters in filter context.
func buildQuery(node text.Node, textFields []string, filters []engine.Filter) map[string]any {
	var must, filter []any
	if node != nil {
		must = append(must, textClause(node, textFields))
	}
	for _, f := range filters {
		filter = append(filter, filterClause(f))
	}
	if len(must) == 0 && len(filter) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	b := map[string]any{}
	if len(must) > 0 {
		b["must"] = must
	}
	if len(filter) > 0 {
		b["filter"] = filter
	}
	return map[string]any{"bool": b}
}

func textClause(node text.Node, fields []string) map[string]any {
	switch n := node.(type) {
	case text.Term:
		if n.Prefix {
			return map[string]any{"multi_match": map[string]any{
				"query": n.Value, "fields": fields, "type": "phrase_prefix",
			}}
		}
		return map[string]any{"multi_match": map[string]any{
			"query": n.Value, "fields": fields, "type": "best_fields",
		}}
	case text.Phrase:
		return map[string]any{"multi_match": map[string]any{
			"query": n.Value, "fields": fields, "type": "phrase",
		}}
	case text.And:
		clauses := make([]any, len(n.Nodes))
		for i, c := range n.Nodes {
			clauses[i] = textClause(c, fields)
		}
		return map[string]any{"bool": map[string]any{"must": clauses}}
	case text.Or:
		clauses := make([]any, len(n.Nodes))
		for i, c := range n.Nodes {
			clauses[i] = textClause(c, fields)
		}
		return map[string]any{"bool": map[string]any{"should": clauses, "minimum_should_match": 1}}
	case text.Not:
		return map[string]any{"bool": map[string]any{"must_not": []any{textClause(n.Node, fields)}}}
	}
	return map[string]any{"match_all": map[string]any{}}
}

func filterClause(f engine.Filter) map[string]any {
	switch f.Kind {
	case engine.FilterRange:
		bounds := map[string]any{}
		for k, v := range map[string]any{"gt": f.GT, "gte": f.GTE, "lt": f.LT, "lte": f.LTE} {
			if v != nil {
				bounds[k] = v
			}
		}
		return map[string]any{"range": map[string]any{f.Field: bounds}}
	case engine.FilterExists:
		return map[string]any{"exists": map[string]any{"field": f.Field}}
	case engine.FilterMissing:
		return map[string]any{"bool": map[string]any{
			"must_not": []any{map[string]any{"exists": map[string]any{"field": f.Field}}},
		}}
	default:
		if f.Type == field.Date {
			// Exact date matches go through ranges so formats need not agree.
			should := make([]any, len(f.Values))
			for i, v := range f.Values {
				should[i] = map[string]any{"range": map[string]any{f.Field: map[string]any{"gte": v, "lte": v}}}
			}
			return map[string]any{"bool": map[string]any{"should": should, "minimum_should_match": 1}}
		}
		return map[string]any{"terms": map[string]any{f.Field: f.Values}}
	}
}

func sortClause(sorts []engine.Sort) []any {
	out := make([]any, 0, len(sorts))
	for _, s := range sorts {
		order := "asc"
		if s.Desc {
			order = "desc"
		}
		out = append(out, map[string]any{s.Field: map[string]any{"order": order}})
	}
	return out
}
