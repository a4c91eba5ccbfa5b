package embedded

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/engine"
)

type metricAcc struct {
	n        int64
	sum      float64
	min, max float64
}

func (m *metricAcc) add(v float64) {
	if m.n == 0 || v < m.min {
		m.min = v
	}
	if m.n == 0 || v > m.max {
		m.max = v
	}
	m.n++
	m.sum += v
}

func (m *metricAcc) value(fn string, t field.Type) any {
	if m == nil || m.n == 0 {
		if fn == "sum" {
			return 0.0
		}
		return nil
	}
	var v float64
	switch fn {
	case "min":
		v = m.min
	case "max":
		v = m.max
	case "sum":
		v = m.sum
	default:
		v = m.sum / float64(m.n)
	}
	if t == field.Date {
		return field.FormatDate(time.UnixMilli(int64(v)))
	}
	return v
}

type group struct {
	keys    []any
	count   int64
	metrics map[string]*metricAcc
}

// Aggregate streams every match and buckets it in memory, emulating a
// composite aggregation: documents missing an axis value are skipped and
// multi-valued fields count once per value. Every index of the target feeds
// the same buckets.
func (e *Engine) Aggregate(ctx context.Context, target string, q *engine.AggregateQuery) (*engine.AggregateResult, error) {
	ctx, cancel := withTimeout(ctx, q.Timeout)
	defer cancel()
	bq, err := buildQuery(q.Text, q.TextFields, q.Filters)
	if err != nil {
		return nil, engine.Wrap(engine.OpAggregate, target, err)
	}

	groups := map[string]*group{}
	for _, id := range engine.SplitTargets(target) {
		if err := e.aggregateShard(ctx, id, bq, q, groups); err != nil {
			return nil, engine.Wrap(engine.OpAggregate, target, err)
		}
	}

	if len(q.Axes) == 0 && len(groups) == 0 {
		groups[""] = &group{keys: []any{}, metrics: map[string]*metricAcc{}}
	}
	out := &engine.AggregateResult{Buckets: make([]engine.Bucket, 0, len(groups))}
	for _, g := range groups {
		b := engine.Bucket{Keys: g.keys, Count: g.count}
		if len(q.Metrics) > 0 {
			b.Metrics = make(map[string]any, len(q.Metrics))
			for _, m := range q.Metrics {
				b.Metrics[m.Name] = g.metrics[m.Name].value(m.Function, m.Type)
			}
		}
		out.Buckets = append(out.Buckets, b)
	}
	sort.Slice(out.Buckets, func(i, j int) bool {
		return compareKeys(out.Buckets[i].Keys, out.Buckets[j].Keys) < 0
	})
	return out, nil
}

func (e *Engine) aggregateShard(
	ctx context.Context, physicalID string, bq query.Query, q *engine.AggregateQuery, groups map[string]*group,
) error {
	s, err := e.shard(physicalID)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scan(ctx, s.idx, bq, func(id string) error {
		src, err := s.source(id)
		if err != nil || src == nil {
			return err
		}
		for _, keys := range axisKeys(src, q.Axes) {
			sig := fmt.Sprintf("%#v", keys)
			g, ok := groups[sig]
			if !ok {
				if q.MaxBuckets > 0 && len(groups) >= q.MaxBuckets {
					return fmt.Errorf("%w: more than %d buckets", engine.ErrTooManyBuckets, q.MaxBuckets)
				}
				g = &group{keys: keys, metrics: map[string]*metricAcc{}}
				groups[sig] = g
			}
			g.count++
			for _, m := range q.Metrics {
				for _, v := range values(src[m.Field]) {
					f, ok := metricInput(v, m.Type)
					if !ok {
						continue
					}
					acc := g.metrics[m.Name]
					if acc == nil {
						acc = &metricAcc{}
						g.metrics[m.Name] = acc
					}
					acc.add(f)
				}
			}
		}
		return nil
	})
}

// axisKeys returns the cross product of the document's keys on every axis.
func axisKeys(src map[string]any, axes []engine.Axis) [][]any {
	combos := [][]any{{}}
	for _, a := range axes {
		var keys []any
		for _, v := range values(src[a.Field]) {
			if k, ok := bucketKey(v, a); ok {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return nil
		}
		next := make([][]any, 0, len(combos)*len(keys))
		for _, c := range combos {
			for _, k := range keys {
				row := make([]any, len(c), len(c)+1)
				copy(row, c)
				next = append(next, append(row, k))
			}
		}
		combos = next
	}
	return combos
}

func values(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return []any{v}
}

func bucketKey(v any, a engine.Axis) (any, bool) {
	switch a.Kind {
	case engine.AxisDateHistogram:
		t, err := asTime(v)
		if err != nil {
			return nil, false
		}
		return field.FormatDate(truncate(t.UTC(), a.Interval)), true
	case engine.AxisHistogram:
		f, ok := asFloat(v)
		if !ok || a.Width <= 0 {
			return nil, false
		}
		return math.Floor(f/a.Width) * a.Width, true
	}
	if f, ok := asFloat(v); ok {
		return f, true
	}
	return v, true
}

// truncate floors t to the start of its calendar interval. Weeks start on Monday.
func truncate(t time.Time, interval string) time.Time {
	y, m, d := t.Date()
	switch interval {
	case "year":
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
	case "quarter":
		return time.Date(y, m-(m-1)%3, 1, 0, 0, 0, 0, time.UTC)
	case "month":
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case "week":
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	case "hour":
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

func metricInput(v any, t field.Type) (float64, bool) {
	if t == field.Date {
		tm, err := asTime(v)
		if err != nil {
			return 0, false
		}
		return float64(tm.UnixMilli()), true
	}
	return asFloat(v)
}

func compareKeys(a, b []any) int {
	for i := range a {
		if i >= len(b) {
			return 1
		}
		if c := compareValue(a[i], b[i]); c != 0 {
			return c
		}
	}
	if len(a) < len(b) {
		return -1
	}
	return 0
}

func compareValue(a, b any) int {
	fa, okA := a.(float64)
	fb, okB := b.(float64)
	switch {
	case okA && okB:
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case okA:
		return -1
	case okB:
		return 1
	}
	ba, okA := a.(bool)
	bb, okB := b.(bool)
	if okA && okB {
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
