package elastic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/engine"
)

const compositeName = "amcat_composite"

type aggResult struct {
	Value         *float64          `json:"value"`
	ValueAsString string            `json:"value_as_string"`
	AfterKey      map[string]any    `json:"after_key"`
	Buckets       []json.RawMessage `json:"buckets"`
}

type compositeBucket struct {
	Key      map[string]any `json:"key"`
	DocCount int64          `json:"doc_count"`
}

func metricAggs(metrics []engine.Metric) map[string]any {
	aggs := make(map[string]any, len(metrics))
	for _, m := range metrics {
		aggs[m.Name] = map[string]any{m.Function: map[string]any{"field": m.Field}}
	}
	return aggs
}

func compositeSources(axes []engine.Axis) []any {
	sources := make([]any, len(axes))
	for i, a := range axes {
		var src map[string]any
		switch a.Kind {
		case engine.AxisDateHistogram:
			src = map[string]any{"date_histogram": map[string]any{"field": a.Field, "calendar_interval": a.Interval}}
		case engine.AxisHistogram:
			src = map[string]any{"histogram": map[string]any{"field": a.Field, "interval": a.Width}}
		default:
			src = map[string]any{"terms": map[string]any{"field": a.Field}}
		}
		sources[i] = map[string]any{a.Name: src}
	}
	return sources
}

// Aggregate walks a composite aggregation page by page over every index of
// the target. Without axes it returns the total count and the metrics over
// all matches.
func (e *Engine) Aggregate(ctx context.Context, physicalID string, q *engine.AggregateQuery) (*engine.AggregateResult, error) {
	if len(q.Axes) == 0 {
		return e.aggregateFlat(ctx, physicalID, q)
	}

	out := &engine.AggregateResult{}
	var after map[string]any
	for {
		composite := map[string]any{"size": e.pageSize, "sources": compositeSources(q.Axes)}
		if after != nil {
			composite["after"] = after
		}
		agg := map[string]any{"composite": composite}
		if len(q.Metrics) > 0 {
			agg["aggs"] = metricAggs(q.Metrics)
		}
		body := map[string]any{
			"size":  0,
			"query": buildQuery(q.Text, q.TextFields, q.Filters),
			"aggs":  map[string]any{compositeName: agg},
		}
		if t := timeoutParam(q.Timeout); t != "" {
			body["timeout"] = t
		}
		sr, err := e.searchRaw(ctx, physicalID, body)
		if err != nil {
			return nil, err
		}
		out.Partial = out.Partial || sr.TimedOut

		comp := sr.Aggregations[compositeName]
		for _, raw := range comp.Buckets {
			b, err := parseBucket(raw, q)
			if err != nil {
				return nil, engine.Wrap(engine.OpAggregate, physicalID, err)
			}
			out.Buckets = append(out.Buckets, b)
			if q.MaxBuckets > 0 && len(out.Buckets) > q.MaxBuckets {
				return nil, engine.Wrap(engine.OpAggregate, physicalID,
					fmt.Errorf("%w: more than %d buckets", engine.ErrTooManyBuckets, q.MaxBuckets))
			}
		}
		if len(comp.Buckets) == 0 || comp.AfterKey == nil {
			return out, nil
		}
		after = comp.AfterKey
	}
}

func (e *Engine) aggregateFlat(ctx context.Context, physicalID string, q *engine.AggregateQuery) (*engine.AggregateResult, error) {
	body := map[string]any{
		"size":             0,
		"track_total_hits": true,
		"query":            buildQuery(q.Text, q.TextFields, q.Filters),
	}
	if len(q.Metrics) > 0 {
		body["aggs"] = metricAggs(q.Metrics)
	}
	sr, err := e.searchRaw(ctx, physicalID, body)
	if err != nil {
		return nil, err
	}
	b := engine.Bucket{Count: sr.Hits.Total.Value, Metrics: map[string]any{}}
	for _, m := range q.Metrics {
		b.Metrics[m.Name] = metricValue(sr.Aggregations[m.Name], m)
	}
	return &engine.AggregateResult{Buckets: []engine.Bucket{b}, Partial: sr.TimedOut}, nil
}

func (e *Engine) searchRaw(ctx context.Context, physicalID string, body map[string]any) (*searchResponse, error) {
	r, err := jsonBody(body)
	if err != nil {
		return nil, engine.Wrap(engine.OpAggregate, physicalID, err)
	}
	res, err := esapi.SearchRequest{Index: engine.SplitTargets(physicalID), Body: r}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return nil, engine.Wrap(engine.OpAggregate, physicalID, err)
	}
	var sr searchResponse
	if err := decode(res, &sr); err != nil {
		return nil, engine.Wrap(engine.OpAggregate, physicalID, err)
	}
	return &sr, nil
}

func parseBucket(raw json.RawMessage, q *engine.AggregateQuery) (engine.Bucket, error) {
	var cb compositeBucket
	if err := json.Unmarshal(raw, &cb); err != nil {
		return engine.Bucket{}, fmt.Errorf("decode bucket: %w", err)
	}
	b := engine.Bucket{Count: cb.DocCount, Keys: make([]any, len(q.Axes))}
	for i, a := range q.Axes {
		k := cb.Key[a.Name]
		if a.Kind == engine.AxisDateHistogram {
			if ms, ok := k.(float64); ok {
				k = field.FormatDate(time.UnixMilli(int64(ms)))
			}
		}
		b.Keys[i] = k
	}
	if len(q.Metrics) > 0 {
		var parts map[string]json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil {
			return engine.Bucket{}, fmt.Errorf("decode bucket metrics: %w", err)
		}
		b.Metrics = make(map[string]any, len(q.Metrics))
		for _, m := range q.Metrics {
			var r aggResult
			if part, ok := parts[m.Name]; ok {
				if err := json.Unmarshal(part, &r); err != nil {
					return engine.Bucket{}, fmt.Errorf("decode metric %s: %w", m.Name, err)
				}
			}
			b.Metrics[m.Name] = metricValue(r, m)
		}
	}
	return b, nil
}

func metricValue(r aggResult, m engine.Metric) any {
	if r.Value == nil {
		return nil
	}
	if m.Type == field.Date {
		if r.ValueAsString != "" {
			return r.ValueAsString
		}
		return field.FormatDate(time.UnixMilli(int64(*r.Value)))
	}
	return *r.Value
}
