package amcat

import (
	"fmt"
	"time"

	"github.com/kailas-cloud/amcat/internal/domain"
	dombatch "github.com/kailas-cloud/amcat/internal/domain/batch"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	domquery "github.com/kailas-cloud/amcat/internal/domain/query"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	indexuc "github.com/kailas-cloud/amcat/internal/usecase/index"
	queryuc "github.com/kailas-cloud/amcat/internal/usecase/query"
)

// Role is a permission tier. Higher roles include the lower ones.
type Role string

// Roles in increasing order.
const (
	RoleNone       Role = "NONE"
	RoleReader     Role = "READER"
	RoleMetaReader Role = "METAREADER"
	RoleWriter     Role = "WRITER"
	RoleAdmin      Role = "ADMIN"
)

func (r Role) level() (role.Level, error) {
	l, err := role.Parse(string(r))
	if err != nil {
		return role.None, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	return l, nil
}

// FieldType is the semantic type of a field.
type FieldType string

// Field types.
const (
	FieldText    FieldType = "text"
	FieldKeyword FieldType = "keyword"
	FieldTag     FieldType = "tag"
	FieldURL     FieldType = "url"
	FieldID      FieldType = "id"
	FieldDate    FieldType = "date"
	FieldLong    FieldType = "long"
	FieldDouble  FieldType = "double"
	FieldBoolean FieldType = "boolean"
	FieldVector  FieldType = "vector"
)

// Visibility controls which role may read a field. Empty means public.
type Visibility string

// Visibility levels.
const (
	VisibilityPublic   Visibility = "public"
	VisibilityMetadata Visibility = "metadata"
	VisibilityAdmin    Visibility = "admin"
)

// Field describes one schema entry.
type Field struct {
	Name       string
	Type       FieldType
	Visibility Visibility
	// Dimensions is required for vector fields.
	Dimensions int
}

// IndexInfo describes an index as seen by the calling subject.
type IndexInfo struct {
	Name          string
	Owner         string
	GuestReadable bool
	// Fields lists only the fields the subject may see.
	Fields    []Field
	Role      Role
	Version   int64
	CreatedAt time.Time
}

// IndexList is one page of indices.
type IndexList struct {
	Indices    []IndexInfo
	NextCursor string
}

// RoleAssignment grants a subject a role on an index.
type RoleAssignment struct {
	Subject string
	Role    Role
	Version int64
}

// ItemResult is the outcome of one item of a bulk operation.
type ItemResult struct {
	Position int
	ID       string
	Err      error
}

// OK reports whether the item succeeded.
func (r ItemResult) OK() bool { return r.Err == nil }

// UploadResult lists one outcome per uploaded document, in input order.
type UploadResult struct {
	Items     []ItemResult
	Succeeded int
	Failed    int
	// FieldsAdded lists fields registered by auto field policy.
	FieldsAdded []string
}

// Filter constrains one field. Values match any of the given terms; the
// range bounds and Exists combine with them.
type Filter struct {
	Values []any
	GT     any
	GTE    any
	LT     any
	LTE    any
	Exists *bool
}

// Query selects documents.
type Query struct {
	// Queries maps labels to full-text queries; a document matches any of them.
	Queries map[string]string
	// Fields narrows the text fields searched.
	Fields  []string
	Filters map[string]Filter
	// Sort lists fields, prefixed with "-" for descending order.
	Sort []string
	// Page is zero-based. Deep pages need Cursor.
	Page    int
	PerPage int
	Cursor  string
	// Projection lists the fields to return.
	Projection []string
}

// Hit is one matching document.
type Hit struct {
	ID     string
	Score  float64
	Fields map[string]any
	// Index is the index the hit came from.
	Index string
}

// QueryResult is one page of hits.
type QueryResult struct {
	Hits       []Hit
	Total      int64
	NextCursor string
	Partial    bool
}

// Axis groups documents by a field. Interval is a calendar unit for date
// fields or the bucket width for numeric fields.
type Axis struct {
	Field    string
	Interval string
	Size     int
	// Name overrides the column name, which defaults to Field.
	Name string
}

// Metric computes min, max, avg or sum of a field per bucket.
type Metric struct {
	Field    string
	Function string
	// Name overrides the column name, which defaults to function_field.
	Name string
}

// Aggregation groups the documents selected by a Query.
type Aggregation struct {
	Axes    []Axis
	Metrics []Metric
}

// AggregateResult holds one row per bucket.
type AggregateResult struct {
	Columns []string
	Rows    []map[string]any
	Partial bool
}

// AnalysisRequest embeds SourceField into TargetField for the selected documents.
type AnalysisRequest struct {
	SourceField string
	TargetField string
	Queries     map[string]string
	Filters     map[string]Filter
	Overwrite   bool
}

// AnalysisResult lists one outcome per processed document.
type AnalysisResult struct {
	Items     []ItemResult
	Succeeded int
	Failed    int
	Skipped   int
}

func toInternalFields(fields []Field) ([]field.Field, error) {
	out := make([]field.Field, 0, len(fields))
	for _, f := range fields {
		vis := field.Visibility(f.Visibility)
		if vis == "" {
			vis = field.Public
		}
		ff, err := field.New(f.Name, field.Type(f.Type), vis, f.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out = append(out, ff)
	}
	return out, nil
}

func fromInternalFields(fields []field.Field) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = Field{
			Name:       f.Name(),
			Type:       FieldType(f.FieldType()),
			Visibility: Visibility(f.Visibility()),
			Dimensions: f.Dimensions(),
		}
	}
	return out
}

func fromInternalInfo(info indexuc.Info) IndexInfo {
	idx := info.Index
	return IndexInfo{
		Name:          idx.Name(),
		Owner:         idx.Owner(),
		GuestReadable: idx.GuestReadable(),
		Fields:        fromInternalFields(info.VisibleFields()),
		Role:          Role(info.Level.String()),
		Version:       idx.Version(),
		CreatedAt:     time.UnixMilli(idx.CreatedAt()).UTC(),
	}
}

func fromInternalAssignment(a role.Assignment) RoleAssignment {
	return RoleAssignment{Subject: a.Subject, Role: Role(a.Level.String()), Version: a.Version}
}

func fromBatchResults(results []dombatch.Result) []ItemResult {
	out := make([]ItemResult, len(results))
	for i, r := range results {
		out[i] = ItemResult{Position: r.Position(), ID: r.ID(), Err: r.Err()}
	}
	return out
}

func toInternalFilters(filters map[string]Filter) map[string]domquery.Filter {
	if len(filters) == 0 {
		return nil
	}
	out := make(map[string]domquery.Filter, len(filters))
	for name, f := range filters {
		out[name] = domquery.Filter(f)
	}
	return out
}

func toInternalSpec(q Query) domquery.Spec {
	spec := domquery.Spec{
		Queries:     q.Queries,
		QueryFields: q.Fields,
		Filters:     toInternalFilters(q.Filters),
		Page:        q.Page,
		PerPage:     q.PerPage,
		Cursor:      q.Cursor,
		Projection:  q.Projection,
	}
	for _, s := range q.Sort {
		spec.Sort = append(spec.Sort, domquery.ParseSort(s))
	}
	return spec
}

func toInternalAggregation(a Aggregation) *domquery.Aggregation {
	out := &domquery.Aggregation{}
	for _, ax := range a.Axes {
		out.Axes = append(out.Axes, domquery.Axis(ax))
	}
	for _, m := range a.Metrics {
		out.Metrics = append(out.Metrics, domquery.Metric(m))
	}
	return out
}

func fromInternalResult(r *queryuc.Result) QueryResult {
	out := QueryResult{
		Hits:       make([]Hit, len(r.Hits)),
		Total:      r.Total,
		NextCursor: r.NextCursor,
		Partial:    r.Partial,
	}
	for i, h := range r.Hits {
		out.Hits[i] = Hit(h)
	}
	return out
}

func fromInternalAggregate(r *queryuc.AggregateResult) AggregateResult {
	return AggregateResult{Columns: r.Columns, Rows: r.Rows, Partial: r.Partial}
}
