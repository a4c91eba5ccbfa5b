package chi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kailas-cloud/amcat/internal/domain"
	dombatch "github.com/kailas-cloud/amcat/internal/domain/batch"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	domquery "github.com/kailas-cloud/amcat/internal/domain/query"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	indexuc "github.com/kailas-cloud/amcat/internal/usecase/index"
	queryuc "github.com/kailas-cloud/amcat/internal/usecase/query"
)

// FieldDefinition describes one field on the wire.
type FieldDefinition struct {
	Type       string `json:"type"`
	Visibility string `json:"visibility,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// CreateIndexRequest is the body of POST /indices.
type CreateIndexRequest struct {
	Name          string                     `json:"name"`
	Fields        map[string]FieldDefinition `json:"fields"`
	GuestReadable bool                       `json:"guest_readable"`
}

// UpdateIndexRequest is the body of PATCH /indices/{index}.
type UpdateIndexRequest struct {
	GuestReadable *bool `json:"guest_readable"`
}

// AddFieldsRequest is the body of POST /indices/{index}/fields.
type AddFieldsRequest struct {
	Fields map[string]FieldDefinition `json:"fields"`
}

// IndexResponse describes an index as seen by the caller.
type IndexResponse struct {
	Name          string                     `json:"name"`
	Owner         string                     `json:"owner"`
	GuestReadable bool                       `json:"guest_readable"`
	CreatedAt     string                     `json:"created_at"`
	Version       int64                      `json:"version"`
	Role          role.Level                 `json:"role"`
	Fields        map[string]FieldDefinition `json:"fields"`
}

// IndexListResponse is a page of indices.
type IndexListResponse struct {
	Items      []IndexResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// GrantRoleRequest is the body of PUT /indices/{index}/roles/{subject}.
type GrantRoleRequest struct {
	Role string `json:"role"`
}

// RoleResponse is one role assignment.
type RoleResponse struct {
	Subject string     `json:"subject"`
	Role    role.Level `json:"role"`
	Version int64      `json:"version"`
}

// UploadRequest is the body of POST /indices/{index}/documents.
type UploadRequest struct {
	Documents []map[string]any `json:"documents"`
}

// ItemError is the error of one batch item.
type ItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchItem is the outcome of one document of a bulk operation.
type BatchItem struct {
	Position int        `json:"position"`
	ID       string     `json:"id,omitempty"`
	Status   string     `json:"status"`
	Error    *ItemError `json:"error,omitempty"`
}

// UploadResponse reports per-document outcomes.
type UploadResponse struct {
	Items       []BatchItem `json:"items"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	FieldsAdded []string    `json:"fields_added,omitempty"`
}

// FilterRequest constrains one field. A bare value or a list is shorthand
// for {"values": ...}.
type FilterRequest struct {
	Values []any `json:"values,omitempty"`
	GT     any   `json:"gt,omitempty"`
	GTE    any   `json:"gte,omitempty"`
	LT     any   `json:"lt,omitempty"`
	LTE    any   `json:"lte,omitempty"`
	Exists *bool `json:"exists,omitempty"`
}

// UnmarshalJSON accepts an object, a list of values or a single value.
func (f *FilterRequest) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		return nil
	case b[0] == '{':
		type plain FilterRequest
		var p plain
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		*f = FilterRequest(p)
	case b[0] == '[':
		return json.Unmarshal(b, &f.Values)
	default:
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		f.Values = []any{v}
	}
	return nil
}

// AxisRequest groups by a field.
type AxisRequest struct {
	Field    string `json:"field"`
	Interval string `json:"interval,omitempty"`
	Size     int    `json:"size,omitempty"`
	Name     string `json:"name,omitempty"`
}

// MetricRequest asks for a per-bucket statistic.
type MetricRequest struct {
	Field    string `json:"field"`
	Function string `json:"function"`
	Name     string `json:"name,omitempty"`
}

// AggregationRequest groups matches by up to three axes.
type AggregationRequest struct {
	Axes    []AxisRequest   `json:"axes"`
	Metrics []MetricRequest `json:"metrics,omitempty"`
}

// QueryRequest is the body of the query, aggregate and tag endpoints.
// Queries is either a single string or a map of labelled strings.
type QueryRequest struct {
	Queries     json.RawMessage          `json:"queries,omitempty"`
	Fields      []string                 `json:"fields,omitempty"`
	Filters     map[string]FilterRequest `json:"filters,omitempty"`
	Sort        []string                 `json:"sort,omitempty"`
	Page        int                      `json:"page,omitempty"`
	PerPage     int                      `json:"per_page,omitempty"`
	Cursor      string                   `json:"cursor,omitempty"`
	Projection  []string                 `json:"projection,omitempty"`
	Aggregation *AggregationRequest      `json:"aggregation,omitempty"`
}

// TagRequest is the body of POST /indices/{index}/tags.
type TagRequest struct {
	QueryRequest
	Action string `json:"action"`
	Field  string `json:"field"`
	Tag    string `json:"tag"`
}

// AnalysisRequest is the body of POST /indices/{index}/analysis.
type AnalysisRequest struct {
	QueryRequest
	SourceField string `json:"source_field"`
	TargetField string `json:"target_field"`
	Overwrite   bool   `json:"overwrite"`
}

// AnalysisResponse reports per-document outcomes of an analysis run.
type AnalysisResponse struct {
	Items     []BatchItem `json:"items"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
}

// AggregationResponse is a table of buckets.
type AggregationResponse struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Partial bool             `json:"partial,omitempty"`
}

// QueryResponse is a page of hits. Each hit carries its fields plus _id.
type QueryResponse struct {
	Results      []map[string]any     `json:"results"`
	Total        int64                `json:"total"`
	NextCursor   string               `json:"next_cursor,omitempty"`
	Partial      bool                 `json:"partial,omitempty"`
	Aggregations *AggregationResponse `json:"aggregations,omitempty"`
}

func fieldsFromRequest(defs map[string]FieldDefinition) ([]field.Field, error) {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]field.Field, 0, len(defs))
	for _, name := range names {
		d := defs[name]
		f, err := field.New(name, field.Type(d.Type), field.Visibility(d.Visibility), d.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidField, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func fieldsToResponse(fields []field.Field) map[string]FieldDefinition {
	out := make(map[string]FieldDefinition, len(fields))
	for _, f := range fields {
		out[f.Name()] = FieldDefinition{
			Type:       string(f.FieldType()),
			Visibility: string(f.Visibility()),
			Dimensions: f.Dimensions(),
		}
	}
	return out
}

func indexToResponse(info indexuc.Info) IndexResponse {
	idx := info.Index
	return IndexResponse{
		Name:          idx.Name(),
		Owner:         idx.Owner(),
		GuestReadable: idx.GuestReadable(),
		CreatedAt:     time.UnixMilli(idx.CreatedAt()).UTC().Format(time.RFC3339),
		Version:       idx.Version(),
		Role:          info.Level,
		Fields:        fieldsToResponse(info.VisibleFields()),
	}
}

func roleToResponse(a role.Assignment) RoleResponse {
	return RoleResponse{Subject: a.Subject, Role: a.Level, Version: a.Version}
}

func batchItems(results []dombatch.Result) []BatchItem {
	out := make([]BatchItem, len(results))
	for i, r := range results {
		out[i] = BatchItem{Position: r.Position(), ID: r.ID(), Status: string(r.Status())}
		if err := r.Err(); err != nil {
			_, code := classify(err)
			msg := err.Error()
			if code == CodeInternal {
				msg = "internal error"
			}
			out[i].Error = &ItemError{Code: code, Message: msg}
		}
	}
	return out
}

// parseQueries reads a string or a label map.
func parseQueries(raw json.RawMessage) (map[string]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var q string
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		if q == "" {
			return nil, nil
		}
		return map[string]string{q: q}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("queries must be a string or an object of strings")
	}
	return m, nil
}

func (q QueryRequest) spec() (domquery.Spec, error) {
	queries, err := parseQueries(q.Queries)
	if err != nil {
		return domquery.Spec{}, err
	}
	spec := domquery.Spec{
		Queries:     queries,
		QueryFields: q.Fields,
		Page:        q.Page,
		PerPage:     q.PerPage,
		Cursor:      q.Cursor,
		Projection:  q.Projection,
	}
	if len(q.Filters) > 0 {
		spec.Filters = make(map[string]domquery.Filter, len(q.Filters))
		for name, f := range q.Filters {
			spec.Filters[name] = domquery.Filter{
				Values: f.Values, GT: f.GT, GTE: f.GTE, LT: f.LT, LTE: f.LTE, Exists: f.Exists,
			}
		}
	}
	for _, s := range q.Sort {
		spec.Sort = append(spec.Sort, domquery.ParseSort(s))
	}
	if a := q.Aggregation; a != nil {
		agg := &domquery.Aggregation{}
		for _, ax := range a.Axes {
			agg.Axes = append(agg.Axes, domquery.Axis{Field: ax.Field, Interval: ax.Interval, Size: ax.Size, Name: ax.Name})
		}
		for _, m := range a.Metrics {
			agg.Metrics = append(agg.Metrics, domquery.Metric{Field: m.Field, Function: m.Function, Name: m.Name})
		}
		spec.Aggregation = agg
	}
	return spec, nil
}

func aggregationToResponse(a *queryuc.AggregateResult) *AggregationResponse {
	if a == nil {
		return nil
	}
	rows := a.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	return &AggregationResponse{Columns: a.Columns, Rows: rows, Partial: a.Partial}
}

func queryToResponse(r *queryuc.Result) QueryResponse {
	out := QueryResponse{
		Results:      make([]map[string]any, len(r.Hits)),
		Total:        r.Total,
		NextCursor:   r.NextCursor,
		Partial:      r.Partial,
		Aggregations: aggregationToResponse(r.Aggregations),
	}
	for i, h := range r.Hits {
		row := make(map[string]any, len(h.Fields)+2)
		for k, v := range h.Fields {
			row[k] = v
		}
		row["_id"] = h.ID
		if h.Index != "" {
			row["_index"] = h.Index
		}
		if h.Score != 0 {
			row["_score"] = h.Score
		}
		out.Results[i] = row
	}
	return out
}
