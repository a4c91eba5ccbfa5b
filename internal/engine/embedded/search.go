package embedded

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/kailas-cloud/amcat/internal/engine"
)

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// Search runs a translated query. Hit sort values are bleve's own encoded
// strings and only round-trip through SearchAfter. A target naming several
// indices asks each for its first From+Size hits and merges them in sort
// order.
func (e *Engine) Search(ctx context.Context, target string, q *engine.Query) (*engine.SearchResult, error) {
	ids := engine.SplitTargets(target)
	ctx, cancel := withTimeout(ctx, q.Timeout)
	defer cancel()

	bq, err := buildQuery(q.Text, q.TextFields, q.Filters)
	if err != nil {
		return nil, engine.Wrap(engine.OpSearch, target, err)
	}
	from := q.From
	if len(q.SearchAfter) > 0 {
		from = 0
	}
	shardFrom, shardSize := from, q.Size
	if len(ids) > 1 {
		shardFrom, shardSize = 0, from+q.Size
	}

	out := &engine.SearchResult{}
	var matches []match
	for _, id := range ids {
		part, total, err := e.searchShard(ctx, id, bq, q, shardFrom, shardSize)
		if err != nil {
			return nil, engine.Wrap(engine.OpSearch, target, err)
		}
		out.Total += int64(total)
		matches = append(matches, part...)
	}
	if len(ids) > 1 {
		order := sortOrder(q.Sort)
		scoring, desc := order.CacheIsScore(), order.CacheDescending()
		sort.SliceStable(matches, func(i, j int) bool {
			return order.Compare(scoring, desc, matches[i].dm, matches[j].dm) < 0
		})
		matches = window(matches, from, q.Size)
	}

	out.Hits = make([]engine.Hit, 0, len(matches))
	for _, m := range matches {
		sortVals := make([]any, len(m.dm.Sort))
		for i, v := range m.dm.Sort {
			sortVals[i] = v
		}
		out.Hits = append(out.Hits, engine.Hit{
			ID:     m.dm.ID,
			Index:  m.index,
			Score:  m.dm.Score,
			Fields: project(m.src, q.Fields),
			Sort:   sortVals,
		})
	}
	return out, nil
}

type match struct {
	dm    *search.DocumentMatch
	index string
	src   map[string]any
}

// searchShard runs one page on a single index and loads the hit sources.
func (e *Engine) searchShard(
	ctx context.Context, physicalID string, bq query.Query, q *engine.Query, from, size int,
) ([]match, uint64, error) {
	s, err := e.shard(physicalID)
	if err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	req := bleve.NewSearchRequestOptions(bq, size, 0, false)
	req.SortByCustom(sortOrder(q.Sort))
	if len(q.SearchAfter) > 0 {
		after := make([]string, len(q.SearchAfter))
		for i, v := range q.SearchAfter {
			after[i] = fmt.Sprint(v)
		}
		req.SearchAfter = after
	} else {
		req.From = from
	}
	res, err := s.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, 0, classify(err)
	}
	out := make([]match, 0, len(res.Hits))
	for _, h := range res.Hits {
		src, err := s.source(h.ID)
		if err != nil {
			return nil, 0, err
		}
		if src == nil {
			src = map[string]any{}
		}
		out = append(out, match{dm: h, index: physicalID, src: src})
	}
	return out, res.Total, nil
}

func window(matches []match, from, size int) []match {
	if from >= len(matches) {
		return nil
	}
	matches = matches[from:]
	if len(matches) > size {
		matches = matches[:size]
	}
	return matches
}

// UpdateTags rewrites the tag field of every matching document.
func (e *Engine) UpdateTags(ctx context.Context, physicalID string, q *engine.Query, u engine.TagUpdate) (int64, error) {
	if u.Action != engine.TagAdd && u.Action != engine.TagRemove {
		return 0, engine.Wrap(engine.OpUpdateTags, physicalID,
			fmt.Errorf("%w: unknown tag action %q", engine.ErrMalformedQuery, u.Action))
	}
	s, err := e.shard(physicalID)
	if err != nil {
		return 0, engine.Wrap(engine.OpUpdateTags, physicalID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bq, err := buildQuery(q.Text, q.TextFields, q.Filters)
	if err != nil {
		return 0, engine.Wrap(engine.OpUpdateTags, physicalID, err)
	}
	var ids []string
	if err := scan(ctx, s.idx, bq, func(id string) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return 0, engine.Wrap(engine.OpUpdateTags, physicalID, err)
	}

	var updated int64
	batch := s.idx.NewBatch()
	for _, id := range ids {
		src, err := s.source(id)
		if err != nil {
			return 0, engine.Wrap(engine.OpUpdateTags, physicalID, err)
		}
		if src == nil {
			continue
		}
		tags, changed := applyTag(src[u.Field], u)
		if !changed {
			continue
		}
		src[u.Field] = tags
		if err := s.addToBatch(batch, id, src); err != nil {
			return updated, engine.Wrap(engine.OpUpdateTags, physicalID, err)
		}
		updated++
	}
	if batch.Size() > 0 {
		if err := s.idx.Batch(batch); err != nil {
			return 0, engine.Wrap(engine.OpUpdateTags, physicalID, fmt.Errorf("%w: %w", engine.ErrUnavailable, err))
		}
	}
	return updated, nil
}

func applyTag(cur any, u engine.TagUpdate) ([]string, bool) {
	var tags []string
	switch v := cur.(type) {
	case []any:
		for _, t := range v {
			tags = append(tags, fmt.Sprint(t))
		}
	case []string:
		tags = append(tags, v...)
	case string:
		tags = []string{v}
	}
	idx := -1
	for i, t := range tags {
		if t == u.Value {
			idx = i
			break
		}
	}
	switch u.Action {
	case engine.TagAdd:
		if idx >= 0 {
			return tags, false
		}
		return append(tags, u.Value), true
	default:
		if idx < 0 {
			return tags, false
		}
		out := make([]string, 0, len(tags)-1)
		for _, t := range tags {
			if t != u.Value {
				out = append(out, t)
			}
		}
		return out, true
	}
}
