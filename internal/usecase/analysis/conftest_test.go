package analysis

import (
	"context"
	"sort"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
)

type mockIndices struct {
	idx index.Index
}

func (m *mockIndices) Lookup(_ context.Context, name string) (index.Index, error) {
	if name != m.idx.Name() {
		return index.Index{}, domain.ErrNotFound
	}
	return m.idx, nil
}

type fixedAuth struct {
	level role.Level
}

func (a *fixedAuth) Authorize(_ context.Context, _ domain.Subject, _ index.Index, op role.Operation) (role.Level, error) {
	if !a.level.Allows(role.RequiredLevel(op)) {
		return a.level, domain.ErrForbidden
	}
	return a.level, nil
}

// pagingEngine serves documents ordered by id and honours search_after.
type pagingEngine struct {
	docs     map[string]map[string]any
	searches int
	updateFn func(docID string) error
}

func (e *pagingEngine) Search(_ context.Context, _ string, q *engine.Query) (*engine.SearchResult, error) {
	e.searches++
	ids := make([]string, 0, len(e.docs))
	for id := range e.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := &engine.SearchResult{Total: int64(len(ids))}
	for _, id := range ids {
		if len(q.SearchAfter) > 0 && id <= q.SearchAfter[0].(string) {
			continue
		}
		if len(out.Hits) == q.Size {
			break
		}
		fields := map[string]any{}
		for _, f := range q.Fields {
			if v, ok := e.docs[id][f]; ok {
				fields[f] = v
			}
		}
		out.Hits = append(out.Hits, engine.Hit{ID: id, Fields: fields, Sort: []any{id}})
	}
	return out, nil
}

func (e *pagingEngine) UpdateDocument(_ context.Context, _, docID string, fields map[string]any) error {
	if e.updateFn != nil {
		if err := e.updateFn(docID); err != nil {
			return err
		}
	}
	for k, v := range fields {
		e.docs[docID][k] = v
	}
	return nil
}

// stubEmbedder returns a vector of dims values per text.
type stubEmbedder struct {
	dims  int
	err   error
	calls int
	texts []string
}

func (s *stubEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	s.calls++
	s.texts = append(s.texts, text)
	if s.err != nil {
		return domain.EmbeddingResult{}, s.err
	}
	return domain.EmbeddingResult{Embedding: make([]float32, s.dims), TotalTokens: 1}, nil
}

var writer = domain.Subject{ID: "alice"}

func newsIndex() index.Index {
	return index.Reconstruct("news", "amcat_news-x", []field.Field{
		field.Reconstruct("title", field.Text, field.Public, 0),
		field.Reconstruct("views", field.Long, field.Public, 0),
		field.Reconstruct("emb", field.Vector, field.Public, 3),
		field.Reconstruct("secret", field.Text, field.AdminOnly, 0),
	}, "alice", false, 0, index.StateActive, 1)
}

func newsDocs(n int) map[string]map[string]any {
	docs := make(map[string]map[string]any, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		docs[id] = map[string]any{"title": "story " + id}
	}
	return docs
}
