// Package embedded implements the engine on top of bleve. It serves
// single-node deployments and tests: indices live in memory, or on disk
// below a data directory. Document sources are kept as bleve internal
// values so the mapping can be rebuilt when fields are added.
package embedded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/engine"
)

// Compile-time check: Engine implements engine.Engine.
var _ engine.Engine = (*Engine)(nil)

var (
	schemaKey = []byte("amcat:schema")
	srcPrefix = "amcat:src:"
)

// Config holds the embedded engine settings.
type Config struct {
	// DataDir keeps one bleve directory per physical index. Empty means memory only.
	DataDir string
}

// Engine implements engine.Engine with one bleve index per physical index.
type Engine struct {
	mu      sync.Mutex
	dataDir string
	shards  map[string]*shard
	closed  bool
}

type shard struct {
	mu     sync.RWMutex
	path   string
	idx    bleve.Index
	fields map[string]engine.Field
}

// New creates an embedded engine.
func New(cfg Config) (*Engine, error) {
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &Engine{dataDir: cfg.DataDir, shards: make(map[string]*shard)}, nil
}

// Ping fails only after Close.
func (e *Engine) Ping(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.Wrap(engine.OpPing, "", fmt.Errorf("%w: engine closed", engine.ErrUnavailable))
	}
	return nil
}

// Close closes every open index.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for name, s := range e.shards {
		if err := s.idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	e.shards = map[string]*shard{}
	e.closed = true
	return errors.Join(errs...)
}

func (e *Engine) pathFor(physicalID string) string {
	if e.dataDir == "" {
		return ""
	}
	return filepath.Join(e.dataDir, physicalID)
}

// shard returns the open index, opening it from disk on first use.
func (e *Engine) shard(physicalID string) (*shard, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("%w: engine closed", engine.ErrUnavailable)
	}
	if s, ok := e.shards[physicalID]; ok {
		return s, nil
	}
	path := e.pathFor(physicalID)
	if path == "" {
		return nil, engine.ErrIndexNotFound
	}
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return nil, engine.ErrIndexNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", engine.ErrUnavailable, physicalID, err)
	}
	fields, err := loadSchema(idx)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	s := &shard{path: path, idx: idx, fields: fields}
	e.shards[physicalID] = s
	return s, nil
}

func loadSchema(idx bleve.Index) (map[string]engine.Field, error) {
	raw, err := idx.GetInternal(schemaKey)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var list []engine.Field
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode schema: %w", err)
		}
	}
	fields := make(map[string]engine.Field, len(list))
	for _, f := range list {
		fields[f.Name] = f
	}
	return fields, nil
}

func encodeSchema(fields map[string]engine.Field) ([]byte, error) {
	return json.Marshal(sortedFields(fields))
}

// buildMapping maps every field statically. Vectors are kept in the
// source only; the embedded engine does not search them.
func buildMapping(fields map[string]engine.Field) *mapping.IndexMappingImpl {
	doc := bleve.NewDocumentStaticMapping()
	for _, f := range fields {
		var fm *mapping.FieldMapping
		switch {
		case f.Type == field.Text:
			fm = bleve.NewTextFieldMapping()
		case f.Type.IsKeyword():
			fm = bleve.NewKeywordFieldMapping()
		case f.Type == field.Date:
			fm = bleve.NewDateTimeFieldMapping()
		case f.Type.IsNumeric():
			fm = bleve.NewNumericFieldMapping()
		case f.Type == field.Boolean:
			fm = bleve.NewBooleanFieldMapping()
		default:
			continue
		}
		fm.Store = false
		fm.IncludeInAll = false
		doc.AddFieldMappingsAt(f.Name, fm)
	}
	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.StoreDynamic = false
	im.IndexDynamic = false
	im.DocValuesDynamic = false
	return im
}

func newBleve(path string, fields map[string]engine.Field) (bleve.Index, error) {
	m := buildMapping(fields)
	var (
		idx bleve.Index
		err error
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		idx, err = bleve.New(path, m)
	}
	if err != nil {
		return nil, err
	}
	raw, err := encodeSchema(fields)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	if err := idx.SetInternal(schemaKey, raw); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("write schema: %w", err)
	}
	return idx, nil
}

func (s *shard) source(id string) (map[string]any, error) {
	raw, err := s.idx.GetInternal([]byte(srcPrefix + id))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var src map[string]any
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}
	return src, nil
}
