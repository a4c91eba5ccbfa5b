package amcat

import (
	"context"
	"errors"
	"fmt"
)

// TypedIndex is a generic, schema-first index backed by a Client.
// Schema is inferred from T's struct tags at construction time.
//
//	type Article struct {
//	    ID    string    `amcat:"_id"`
//	    Title string    `amcat:"title"`
//	    Date  time.Time `amcat:"date"`
//	    Tags  []string  `amcat:"tags"`
//	    Notes string    `amcat:"notes,text,admin"`
//	}
type TypedIndex[T any] struct {
	name   string
	client *Client
	meta   *schemaMeta
}

// NewIndex creates a typed index handle. T must be a struct with amcat tags.
func NewIndex[T any](client *Client, name string) (*TypedIndex[T], error) {
	meta, err := parseSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("new index %q: %w", name, err)
	}
	return &TypedIndex[T]{name: name, client: client, meta: meta}, nil
}

// Fields returns the schema derived from T.
func (idx *TypedIndex[T]) Fields() []Field {
	return append([]Field(nil), idx.meta.fields...)
}

// Ensure creates the index if it does not exist, otherwise adds the fields
// of T the index lacks. A field whose type differs fails with ErrSchemaConflict.
func (idx *TypedIndex[T]) Ensure(ctx context.Context) error {
	indices := idx.client.Indices()
	info, err := indices.Get(ctx, idx.name)
	switch {
	case errors.Is(err, ErrNotFound):
		if _, err := indices.Create(ctx, idx.name, idx.meta.fields, false); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("ensure %q: %w", idx.name, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("ensure %q: %w", idx.name, err)
	}

	existing := make(map[string]Field, len(info.Fields))
	for _, f := range info.Fields {
		existing[f.Name] = f
	}
	var missing []Field
	for _, f := range idx.meta.fields {
		cur, ok := existing[f.Name]
		if !ok {
			missing = append(missing, f)
			continue
		}
		if cur.Type != f.Type {
			return fmt.Errorf("ensure %q: field %q is %s, not %s: %w", idx.name, f.Name, cur.Type, f.Type, ErrSchemaConflict)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if _, err := indices.AddFields(ctx, idx.name, missing, info.Version); err != nil {
		return fmt.Errorf("ensure %q: %w", idx.name, err)
	}
	return nil
}

// Upload indexes items. See DocumentService.Upload for partial failures.
func (idx *TypedIndex[T]) Upload(ctx context.Context, items []T) (UploadResult, error) {
	docs := make([]map[string]any, len(items))
	for i, item := range items {
		docs[i] = idx.meta.toDocument(item)
	}
	return idx.client.Documents(idx.name).Upload(ctx, docs)
}

// Get retrieves a typed item by ID.
func (idx *TypedIndex[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	fields, err := idx.client.Documents(idx.name).Get(ctx, id)
	if err != nil {
		return zero, err
	}
	return idx.decode(id, fields)
}

// Delete removes an item by ID.
func (idx *TypedIndex[T]) Delete(ctx context.Context, id string) error {
	return idx.client.Documents(idx.name).Delete(ctx, id)
}

// Search returns a fluent search builder for this index.
func (idx *TypedIndex[T]) Search() *SearchBuilder[T] {
	return &SearchBuilder[T]{idx: idx}
}

func (idx *TypedIndex[T]) decode(id string, fields map[string]any) (T, error) {
	var zero T
	v, err := idx.meta.fromDocument(id, fields)
	if err != nil {
		return zero, fmt.Errorf("decode %q: %w", id, err)
	}
	item, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("decode %q: type assertion failed", id)
	}
	return item, nil
}
