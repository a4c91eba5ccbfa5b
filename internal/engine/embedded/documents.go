package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"

	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/engine"
)

// indexable converts a source document into what the bleve mapping expects.
// Fields outside the schema are rejected, matching a strict mapping.
func (s *shard) indexable(src map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(src))
	for name, v := range src {
		f, ok := s.fields[name]
		if !ok {
			return nil, fmt.Errorf("%w: field %q is not mapped", engine.ErrDocumentRejected, name)
		}
		if v == nil || f.Type == field.Vector {
			continue
		}
		if f.Type == field.Date {
			t, err := asTime(v)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %w", engine.ErrDocumentRejected, name, err)
			}
			out[name] = t
			continue
		}
		out[name] = v
	}
	return out, nil
}

func (s *shard) addToBatch(b *bleve.Batch, id string, src map[string]any) error {
	doc, err := s.indexable(src)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrDocumentRejected, err)
	}
	if err := b.Index(id, doc); err != nil {
		return fmt.Errorf("%w: %w", engine.ErrDocumentRejected, err)
	}
	b.SetInternal([]byte(srcPrefix+id), raw)
	return nil
}

// IndexDocuments upserts documents in one batch. Rejected documents are
// reported per item and do not block the rest.
func (e *Engine) IndexDocuments(_ context.Context, physicalID string, docs []engine.Document) ([]engine.ItemOutcome, error) {
	s, err := e.shard(physicalID)
	if err != nil {
		return nil, engine.Wrap(engine.OpIndexDocuments, physicalID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]engine.ItemOutcome, len(docs))
	batch := s.idx.NewBatch()
	for i, d := range docs {
		out[i] = engine.ItemOutcome{ID: d.ID}
		out[i].Err = s.addToBatch(batch, d.ID, d.Fields)
	}
	if batch.Size() > 0 {
		if err := s.idx.Batch(batch); err != nil {
			return nil, engine.Wrap(engine.OpIndexDocuments, physicalID,
				fmt.Errorf("%w: %w", engine.ErrUnavailable, err))
		}
	}
	return out, nil
}

// GetDocument returns the stored source, limited to fields when given.
func (e *Engine) GetDocument(_ context.Context, physicalID, docID string, fields []string) (engine.Document, error) {
	s, err := e.shard(physicalID)
	if err != nil {
		return engine.Document{}, engine.Wrap(engine.OpGetDocument, physicalID, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, err := s.source(docID)
	if err != nil {
		return engine.Document{}, engine.Wrap(engine.OpGetDocument, physicalID, err)
	}
	if src == nil {
		return engine.Document{}, engine.Wrap(engine.OpGetDocument, physicalID, engine.ErrDocumentNotFound)
	}
	return engine.Document{ID: docID, Fields: project(src, fields)}, nil
}

// UpdateDocument merges fields into an existing document.
func (e *Engine) UpdateDocument(_ context.Context, physicalID, docID string, fields map[string]any) error {
	s, err := e.shard(physicalID)
	if err != nil {
		return engine.Wrap(engine.OpUpdateDocument, physicalID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src, err := s.source(docID)
	if err != nil {
		return engine.Wrap(engine.OpUpdateDocument, physicalID, err)
	}
	if src == nil {
		return engine.Wrap(engine.OpUpdateDocument, physicalID, engine.ErrDocumentNotFound)
	}
	for k, v := range fields {
		if v == nil {
			delete(src, k)
			continue
		}
		src[k] = v
	}
	batch := s.idx.NewBatch()
	if err := s.addToBatch(batch, docID, src); err != nil {
		return engine.Wrap(engine.OpUpdateDocument, physicalID, err)
	}
	if err := s.idx.Batch(batch); err != nil {
		return engine.Wrap(engine.OpUpdateDocument, physicalID, fmt.Errorf("%w: %w", engine.ErrUnavailable, err))
	}
	return nil
}

// DeleteDocument removes a document and its source.
func (e *Engine) DeleteDocument(_ context.Context, physicalID, docID string) error {
	s, err := e.shard(physicalID)
	if err != nil {
		return engine.Wrap(engine.OpDeleteDocument, physicalID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src, err := s.source(docID)
	if err != nil {
		return engine.Wrap(engine.OpDeleteDocument, physicalID, err)
	}
	if src == nil {
		return engine.Wrap(engine.OpDeleteDocument, physicalID, engine.ErrDocumentNotFound)
	}
	batch := s.idx.NewBatch()
	batch.Delete(docID)
	batch.DeleteInternal([]byte(srcPrefix + docID))
	if err := s.idx.Batch(batch); err != nil {
		return engine.Wrap(engine.OpDeleteDocument, physicalID, fmt.Errorf("%w: %w", engine.ErrUnavailable, err))
	}
	return nil
}

func project(src map[string]any, fields []string) map[string]any {
	if fields == nil {
		return src
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := src[f]; ok {
			out[f] = v
		}
	}
	return out
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return field.ParseDate(t)
	}
	return time.Time{}, fmt.Errorf("not a date: %v", v)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
