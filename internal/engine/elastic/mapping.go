package elastic

import (
	"context"
	"fmt"
	"sort"

	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/engine"
)

// metaTypeKey marks keyword-backed fields with their semantic type.
const metaTypeKey = "amcat_type"

func fieldMapping(f engine.Field) map[string]any {
	switch f.Type {
	case field.Text:
		return map[string]any{"type": "text"}
	case field.Tag, field.URL, field.ID:
		return map[string]any{"type": "keyword", "meta": map[string]any{metaTypeKey: string(f.Type)}}
	case field.Date:
		return map[string]any{"type": "date", "format": "strict_date_optional_time||epoch_millis"}
	case field.Long:
		return map[string]any{"type": "long"}
	case field.Double:
		return map[string]any{"type": "double"}
	case field.Boolean:
		return map[string]any{"type": "boolean"}
	case field.Vector:
		return map[string]any{"type": "dense_vector", "dims": f.Dimensions}
	default:
		return map[string]any{"type": "keyword"}
	}
}

func properties(fields []engine.Field) map[string]any {
	props := make(map[string]any, len(fields)+1)
	for _, f := range fields {
		props[f.Name] = fieldMapping(f)
	}
	props[field.IDField] = map[string]any{"type": "keyword"}
	return props
}

// CreateIndex creates the physical index with a strict mapping so documents
// carrying unmapped fields are rejected per item.
func (e *Engine) CreateIndex(ctx context.Context, physicalID string, fields []engine.Field) error {
	body, err := jsonBody(map[string]any{
		"mappings": map[string]any{
			"dynamic":    "strict",
			"properties": properties(fields),
		},
	})
	if err != nil {
		return engine.Wrap(engine.OpCreateIndex, physicalID, err)
	}
	res, err := esapi.IndicesCreateRequest{Index: physicalID, Body: body}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return engine.Wrap(engine.OpCreateIndex, physicalID, err)
	}
	closeBody(res)
	return nil
}

// DeleteIndex removes the physical index.
func (e *Engine) DeleteIndex(ctx context.Context, physicalID string) error {
	res, err := esapi.IndicesDeleteRequest{Index: []string{physicalID}}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return engine.Wrap(engine.OpDeleteIndex, physicalID, err)
	}
	closeBody(res)
	return nil
}

// PutFields adds fields to the mapping. Elasticsearch refuses type changes
// with illegal_argument_exception, reported as a schema conflict.
func (e *Engine) PutFields(ctx context.Context, physicalID string, fields []engine.Field) error {
	props := make(map[string]any, len(fields))
	for _, f := range fields {
		props[f.Name] = fieldMapping(f)
	}
	body, err := jsonBody(map[string]any{"properties": props})
	if err != nil {
		return engine.Wrap(engine.OpPutFields, physicalID, err)
	}
	res, err := esapi.IndicesPutMappingRequest{Index: []string{physicalID}, Body: body}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		if errorKind(err) == "illegal_argument_exception" {
			err = fmt.Errorf("%w: %w", domain.ErrSchemaConflict, err)
		}
		return engine.Wrap(engine.OpPutFields, physicalID, err)
	}
	closeBody(res)
	return nil
}

type mappingResponse map[string]struct {
	Mappings struct {
		Properties map[string]struct {
			Type string `json:"type"`
			Dims int    `json:"dims"`
			Meta struct {
				AmcatType string `json:"amcat_type"`
			} `json:"meta"`
		} `json:"properties"`
	} `json:"mappings"`
}

// GetMapping reads the mapping back. Unknown engine types are skipped.
func (e *Engine) GetMapping(ctx context.Context, physicalID string) ([]engine.Field, error) {
	res, err := esapi.IndicesGetMappingRequest{Index: []string{physicalID}}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return nil, engine.Wrap(engine.OpGetMapping, physicalID, err)
	}
	var body mappingResponse
	if err := decode(res, &body); err != nil {
		return nil, engine.Wrap(engine.OpGetMapping, physicalID, err)
	}
	idx, ok := body[physicalID]
	if !ok {
		for _, v := range body {
			idx = v
			break
		}
	}
	out := make([]engine.Field, 0, len(idx.Mappings.Properties))
	for name, p := range idx.Mappings.Properties {
		if name == field.IDField {
			continue
		}
		ft, known := semanticType(p.Type, p.Meta.AmcatType)
		if !known {
			continue
		}
		out = append(out, engine.Field{Name: name, Type: ft, Dimensions: p.Dims})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func semanticType(esType, meta string) (field.Type, bool) {
	switch esType {
	case "text":
		return field.Text, true
	case "keyword":
		if t := field.Type(meta); t == field.Tag || t == field.URL || t == field.ID {
			return t, true
		}
		return field.Keyword, true
	case "date":
		return field.Date, true
	case "long", "integer", "short", "byte":
		return field.Long, true
	case "double", "float", "half_float", "scaled_float":
		return field.Double, true
	case "boolean":
		return field.Boolean, true
	case "dense_vector":
		return field.Vector, true
	}
	return "", false
}

// Refresh makes recent writes visible to search.
func (e *Engine) Refresh(ctx context.Context, physicalID string) error {
	res, err := esapi.IndicesRefreshRequest{Index: []string{physicalID}}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return engine.Wrap(engine.OpRefresh, physicalID, err)
	}
	closeBody(res)
	return nil
}
