package embedded

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/blevesearch/bleve/v2"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/engine"
)

// CreateIndex creates a new bleve index holding the given fields.
func (e *Engine) CreateIndex(_ context.Context, physicalID string, fields []engine.Field) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.Wrap(engine.OpCreateIndex, physicalID, fmt.Errorf("%w: engine closed", engine.ErrUnavailable))
	}
	if _, ok := e.shards[physicalID]; ok {
		return engine.Wrap(engine.OpCreateIndex, physicalID, engine.ErrIndexExists)
	}
	path := e.pathFor(physicalID)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return engine.Wrap(engine.OpCreateIndex, physicalID, engine.ErrIndexExists)
		}
	}

	schema := make(map[string]engine.Field, len(fields))
	for _, f := range fields {
		schema[f.Name] = f
	}
	idx, err := newBleve(path, schema)
	if err != nil {
		return engine.Wrap(engine.OpCreateIndex, physicalID, err)
	}
	e.shards[physicalID] = &shard{path: path, idx: idx, fields: schema}
	return nil
}

// DeleteIndex closes the index and removes its files.
func (e *Engine) DeleteIndex(_ context.Context, physicalID string) error {
	s, err := e.shard(physicalID)
	if err != nil {
		return engine.Wrap(engine.OpDeleteIndex, physicalID, err)
	}
	e.mu.Lock()
	delete(e.shards, physicalID)
	e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.idx.Close(); err != nil {
		return engine.Wrap(engine.OpDeleteIndex, physicalID, err)
	}
	if s.path != "" {
		if err := os.RemoveAll(s.path); err != nil {
			return engine.Wrap(engine.OpDeleteIndex, physicalID, err)
		}
	}
	return nil
}

// PutFields adds fields. A bleve mapping is fixed at creation, so the index
// is rebuilt from the stored sources under the new mapping.
func (e *Engine) PutFields(ctx context.Context, physicalID string, fields []engine.Field) error {
	s, err := e.shard(physicalID)
	if err != nil {
		return engine.Wrap(engine.OpPutFields, physicalID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]engine.Field, len(s.fields)+len(fields))
	for name, f := range s.fields {
		merged[name] = f
	}
	added := 0
	for _, f := range fields {
		if cur, ok := merged[f.Name]; ok {
			if cur.Type != f.Type {
				return engine.Wrap(engine.OpPutFields, physicalID,
					fmt.Errorf("%w: field %q is %s, not %s", domain.ErrSchemaConflict, f.Name, cur.Type, f.Type))
			}
			continue
		}
		merged[f.Name] = f
		added++
	}
	if added == 0 {
		return nil
	}
	if err := s.rebuild(ctx, merged); err != nil {
		return engine.Wrap(engine.OpPutFields, physicalID, err)
	}
	return nil
}

// rebuild copies every stored source into a fresh index. Callers hold s.mu.
func (s *shard) rebuild(ctx context.Context, fields map[string]engine.Field) error {
	tmpPath := ""
	if s.path != "" {
		tmpPath = s.path + ".rebuild"
		if err := os.RemoveAll(tmpPath); err != nil {
			return err
		}
	}
	next, err := newBleve(tmpPath, fields)
	if err != nil {
		return err
	}

	fresh := &shard{idx: next, fields: fields}
	batch := next.NewBatch()
	err = scan(ctx, s.idx, bleve.NewMatchAllQuery(), func(id string) error {
		src, err := s.source(id)
		if err != nil || src == nil {
			return err
		}
		if err := fresh.addToBatch(batch, id, src); err != nil {
			return err
		}
		if batch.Size() >= scanPageSize {
			if err := next.Batch(batch); err != nil {
				return err
			}
			batch.Reset()
		}
		return nil
	})
	if err == nil && batch.Size() > 0 {
		err = next.Batch(batch)
	}
	if err != nil {
		_ = next.Close()
		if tmpPath != "" {
			_ = os.RemoveAll(tmpPath)
		}
		return fmt.Errorf("rebuild: %w", err)
	}

	if s.path == "" {
		_ = s.idx.Close()
		s.idx, s.fields = next, fields
		return nil
	}
	if err := errors.Join(next.Close(), s.idx.Close()); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	idx, err := bleve.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: reopen after rebuild: %w", engine.ErrUnavailable, err)
	}
	s.idx, s.fields = idx, fields
	return nil
}

// GetMapping returns the stored schema sorted by name.
func (e *Engine) GetMapping(_ context.Context, physicalID string) ([]engine.Field, error) {
	s, err := e.shard(physicalID)
	if err != nil {
		return nil, engine.Wrap(engine.OpGetMapping, physicalID, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedFields(s.fields), nil
}

// Refresh is a no-op: bleve batches are searchable once applied.
func (e *Engine) Refresh(_ context.Context, physicalID string) error {
	if _, err := e.shard(physicalID); err != nil {
		return engine.Wrap(engine.OpRefresh, physicalID, err)
	}
	return nil
}

func sortedFields(fields map[string]engine.Field) []engine.Field {
	out := make([]engine.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
