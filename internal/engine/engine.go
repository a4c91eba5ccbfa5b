// Package engine is the narrow boundary between the server and the search
// engine. Drivers accept validated, engine-neutral queries and return raw
// hits and buckets; nothing above this package knows the engine's DSL.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/query/text"
)

// Engine is the full driver facade combining all sub-interfaces.
//
//nolint:interfacebloat // facade; consumers declare narrow interfaces
type Engine interface {
	Pinger
	IndexManager
	DocumentStore
	Searcher
	Close() error
}

// Pinger checks engine connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IndexManager creates, inspects and removes physical indices.
type IndexManager interface {
	// CreateIndex fails with ErrIndexExists when the index is already present.
	CreateIndex(ctx context.Context, physicalID string, fields []Field) error
	// DeleteIndex fails with ErrIndexNotFound when the index is already absent.
	DeleteIndex(ctx context.Context, physicalID string) error
	// PutFields adds fields to an existing mapping.
	PutFields(ctx context.Context, physicalID string, fields []Field) error
	GetMapping(ctx context.Context, physicalID string) ([]Field, error)
	Refresh(ctx context.Context, physicalID string) error
}

// DocumentStore writes and reads single documents.
type DocumentStore interface {
	// IndexDocuments upserts documents and reports one outcome per input, in order.
	IndexDocuments(ctx context.Context, physicalID string, docs []Document) ([]ItemOutcome, error)
	GetDocument(ctx context.Context, physicalID, docID string, fields []string) (Document, error)
	// UpdateDocument merges fields into a stored document; a nil value removes the field.
	UpdateDocument(ctx context.Context, physicalID, docID string, fields map[string]any) error
	DeleteDocument(ctx context.Context, physicalID, docID string) error
}

// Searcher runs translated queries. Search and Aggregate take a target: one
// physical id, or several joined by Targets.
type Searcher interface {
	Search(ctx context.Context, target string, q *Query) (*SearchResult, error)
	Aggregate(ctx context.Context, target string, q *AggregateQuery) (*AggregateResult, error)
	// UpdateTags adds or removes a tag value on every document matching q.
	UpdateTags(ctx context.Context, physicalID string, q *Query, u TagUpdate) (int64, error)
}

// Targets joins physical ids into one search target. Physical ids never
// contain commas.
func Targets(physicalIDs ...string) string { return strings.Join(physicalIDs, ",") }

// SplitTargets returns the physical ids of a search target.
func SplitTargets(target string) []string { return strings.Split(target, ",") }

// Field is a mapping entry as the engine sees it.
type Field struct {
	Name       string
	Type       field.Type
	Dimensions int
}

// FromSchema converts schema entries into mapping entries.
func FromSchema(fields []field.Field) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = Field{Name: f.Name(), Type: f.FieldType(), Dimensions: f.Dimensions()}
	}
	return out
}

// Document is a document on the wire to or from the engine.
type Document struct {
	ID     string
	Fields map[string]any
}

// ItemOutcome is the per-document result of a bulk write. Err is nil on success.
type ItemOutcome struct {
	ID  string
	Err error
}

// FilterKind selects how a Filter constrains its field.
type FilterKind int

// Filter kinds.
const (
	FilterTerms FilterKind = iota
	FilterRange
	FilterExists
	FilterMissing
)

// Filter is a validated field constraint. Values and bounds are already in
// canonical form: strings, int64, float64, bool or RFC 3339 date strings.
type Filter struct {
	Field  string
	Type   field.Type
	Kind   FilterKind
	Values []any
	GT     any
	GTE    any
	LT     any
	LTE    any
}

// Sort orders results. The driver maps field.IDField to its native id order.
type Sort struct {
	Field string
	Desc  bool
}

// Query is a translated search request.
type Query struct {
	// Text is nil for match-all.
	Text        text.Node
	TextFields  []string
	Filters     []Filter
	Sort        []Sort
	From        int
	Size        int
	SearchAfter []any
	// Fields restricts the returned source; nil returns every field.
	Fields  []string
	Timeout time.Duration
}

// Hit is one search result. Index is the physical id it came from.
type Hit struct {
	ID     string
	Index  string
	Score  float64
	Fields map[string]any
	Sort   []any
}

// SearchResult is the raw outcome of Search.
type SearchResult struct {
	Hits  []Hit
	Total int64
	// Partial is set when the engine timed out and returned what it had.
	Partial bool
}

// AxisKind selects the bucketing of an aggregation axis.
type AxisKind int

// Axis kinds.
const (
	AxisTerms AxisKind = iota
	AxisDateHistogram
	AxisHistogram
)

// Axis is one grouping dimension.
type Axis struct {
	Name     string
	Field    string
	Kind     AxisKind
	Interval string
	Width    float64
	Size     int
}

// Metric is a per-bucket statistic.
type Metric struct {
	Name     string
	Field    string
	Type     field.Type
	Function string
}

// AggregateQuery is a translated aggregation request.
type AggregateQuery struct {
	Text       text.Node
	TextFields []string
	Filters    []Filter
	Axes       []Axis
	Metrics    []Metric
	// MaxBuckets caps the number of buckets; exceeding it fails with ErrTooManyBuckets.
	MaxBuckets int
	Timeout    time.Duration
}

// Bucket is one aggregation row. Keys has one entry per axis, in axis order.
// Date-histogram keys are RFC 3339 strings, histogram keys float64.
type Bucket struct {
	Keys    []any
	Count   int64
	Metrics map[string]any
}

// AggregateResult is the raw outcome of Aggregate. Without axes it holds a
// single bucket with no keys.
type AggregateResult struct {
	Buckets []Bucket
	Partial bool
}

// TagAction is add or remove.
type TagAction string

// Tag actions.
const (
	TagAdd    TagAction = "add"
	TagRemove TagAction = "remove"
)

// TagUpdate describes an update-by-query on a tag field.
type TagUpdate struct {
	Field  string
	Action TagAction
	Value  string
}
