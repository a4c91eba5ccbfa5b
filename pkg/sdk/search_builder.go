package amcat

import (
	"context"
	"fmt"
)

// TypedHit is a typed search result.
type TypedHit[T any] struct {
	Item  T
	Score float64
}

// TypedPage is one page of typed results.
type TypedPage[T any] struct {
	Hits       []TypedHit[T]
	Total      int64
	NextCursor string
	Partial    bool
}

// SearchBuilder is a fluent builder for typed search queries.
type SearchBuilder[T any] struct {
	idx *TypedIndex[T]
	q   Query
}

// Query adds a full-text query. Several queries match documents matching any.
func (b *SearchBuilder[T]) Query(q string) *SearchBuilder[T] {
	if b.q.Queries == nil {
		b.q.Queries = make(map[string]string)
	}
	b.q.Queries[fmt.Sprintf("q%d", len(b.q.Queries)+1)] = q
	return b
}

// In restricts the text search to the given fields.
func (b *SearchBuilder[T]) In(fields ...string) *SearchBuilder[T] {
	b.q.Fields = append(b.q.Fields, fields...)
	return b
}

// Where keeps documents whose field equals any of values.
func (b *SearchBuilder[T]) Where(name string, values ...any) *SearchBuilder[T] {
	f := b.filter(name)
	f.Values = append(f.Values, values...)
	b.q.Filters[name] = f
	return b
}

// Between keeps documents with from <= field <= to. A nil bound is open.
func (b *SearchBuilder[T]) Between(name string, from, to any) *SearchBuilder[T] {
	f := b.filter(name)
	f.GTE, f.LTE = from, to
	b.q.Filters[name] = f
	return b
}

// Has keeps documents where the field is set.
func (b *SearchBuilder[T]) Has(name string) *SearchBuilder[T] {
	f := b.filter(name)
	exists := true
	f.Exists = &exists
	b.q.Filters[name] = f
	return b
}

func (b *SearchBuilder[T]) filter(name string) Filter {
	if b.q.Filters == nil {
		b.q.Filters = make(map[string]Filter)
	}
	return b.q.Filters[name]
}

// SortBy orders results; prefix a field with "-" for descending order.
func (b *SearchBuilder[T]) SortBy(fields ...string) *SearchBuilder[T] {
	b.q.Sort = append(b.q.Sort, fields...)
	return b
}

// Page selects a zero-based page of perPage results.
func (b *SearchBuilder[T]) Page(page, perPage int) *SearchBuilder[T] {
	b.q.Page, b.q.PerPage = page, perPage
	return b
}

// After continues from the NextCursor of a previous page.
func (b *SearchBuilder[T]) After(cursor string) *SearchBuilder[T] {
	b.q.Cursor = cursor
	return b
}

// Build returns the untyped query.
func (b *SearchBuilder[T]) Build() Query { return b.q }

// Do executes the search and returns typed results.
func (b *SearchBuilder[T]) Do(ctx context.Context) (TypedPage[T], error) {
	res, err := b.idx.client.Query(b.idx.name).Search(ctx, b.q)
	if err != nil {
		return TypedPage[T]{}, err
	}
	out := TypedPage[T]{
		Hits:       make([]TypedHit[T], 0, len(res.Hits)),
		Total:      res.Total,
		NextCursor: res.NextCursor,
		Partial:    res.Partial,
	}
	for _, h := range res.Hits {
		item, err := b.idx.decode(h.ID, h.Fields)
		if err != nil {
			return TypedPage[T]{}, err
		}
		out.Hits = append(out.Hits, TypedHit[T]{Item: item, Score: h.Score})
	}
	return out, nil
}
