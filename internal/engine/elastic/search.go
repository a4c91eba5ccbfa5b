package elastic

import (
	"context"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/engine"
)

type searchResponse struct {
	TimedOut bool `json:"timed_out"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Index  string         `json:"_index"`
			ID     string         `json:"_id"`
			Score  *float64       `json:"_score"`
			Source map[string]any `json:"_source"`
			Sort   []any          `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]aggResult `json:"aggregations"`
}

func searchBody(q *engine.Query) map[string]any {
	body := map[string]any{
		"query":            buildQuery(q.Text, q.TextFields, q.Filters),
		"size":             q.Size,
		"track_total_hits": true,
	}
	if len(q.Sort) > 0 {
		body["sort"] = sortClause(q.Sort)
	}
	if len(q.SearchAfter) > 0 {
		body["search_after"] = q.SearchAfter
	} else if q.From > 0 {
		body["from"] = q.From
	}
	if q.Fields != nil {
		body["_source"] = q.Fields
	}
	if t := timeoutParam(q.Timeout); t != "" {
		body["timeout"] = t
	}
	return body
}

// Search runs a translated query on every index of the target.
func (e *Engine) Search(ctx context.Context, target string, q *engine.Query) (*engine.SearchResult, error) {
	body, err := jsonBody(searchBody(q))
	if err != nil {
		return nil, engine.Wrap(engine.OpSearch, target, err)
	}
	res, err := esapi.SearchRequest{Index: engine.SplitTargets(target), Body: body}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return nil, engine.Wrap(engine.OpSearch, target, err)
	}
	var sr searchResponse
	if err := decode(res, &sr); err != nil {
		return nil, engine.Wrap(engine.OpSearch, target, err)
	}

	out := &engine.SearchResult{Total: sr.Hits.Total.Value, Partial: sr.TimedOut}
	out.Hits = make([]engine.Hit, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		src := h.Source
		if src == nil {
			src = map[string]any{}
		}
		delete(src, field.IDField)
		hit := engine.Hit{ID: h.ID, Index: h.Index, Fields: src, Sort: h.Sort}
		if h.Score != nil {
			hit.Score = *h.Score
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

// UpdateTags runs an update-by-query with a fixed script; the tag travels as a parameter.
func (e *Engine) UpdateTags(ctx context.Context, physicalID string, q *engine.Query, u engine.TagUpdate) (int64, error) {
	var source string
	switch u.Action {
	case engine.TagAdd:
		source = "def v = ctx._source[params.field]; " +
			"if (v == null) { ctx._source[params.field] = [params.tag]; } " +
			"else if (v instanceof List) { if (v.contains(params.tag)) { ctx.op = 'noop'; } else { v.add(params.tag); } } " +
			"else if (v == params.tag) { ctx.op = 'noop'; } " +
			"else { ctx._source[params.field] = [v, params.tag]; }"
	case engine.TagRemove:
		source = "def v = ctx._source[params.field]; " +
			"if (v instanceof List && v.contains(params.tag)) { v.removeIf(t -> t == params.tag); } " +
			"else if (v != null && v == params.tag) { ctx._source[params.field] = []; } " +
			"else { ctx.op = 'noop'; }"
	default:
		return 0, engine.Wrap(engine.OpUpdateTags, physicalID,
			fmt.Errorf("%w: unknown tag action %q", engine.ErrMalformedQuery, u.Action))
	}

	body, err := jsonBody(map[string]any{
		"query": buildQuery(q.Text, q.TextFields, q.Filters),
		"script": map[string]any{
			"source": source,
			"lang":   "painless",
			"params": map[string]any{"field": u.Field, "tag": u.Value},
		},
	})
	if err != nil {
		return 0, engine.Wrap(engine.OpUpdateTags, physicalID, err)
	}
	res, err := esapi.UpdateByQueryRequest{
		Index:     []string{physicalID},
		Body:      body,
		Conflicts: "proceed",
	}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return 0, engine.Wrap(engine.OpUpdateTags, physicalID, err)
	}
	var out struct {
		Updated int64 `json:"updated"`
	}
	if err := decode(res, &out); err != nil {
		return 0, engine.Wrap(engine.OpUpdateTags, physicalID, err)
	}
	if e.refresh != "" && e.refresh != "false" {
		if err := e.Refresh(ctx, physicalID); err != nil {
			return out.Updated, err
		}
	}
	return out.Updated, nil
}
