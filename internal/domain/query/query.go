// Package query holds the caller-facing query specification.
package query

import "strings"

// Filter constrains one field. Values match exactly (any of them), the range
// bounds apply to date and numeric fields, Exists checks presence.
type Filter struct {
	Values []any
	GT     any
	GTE    any
	LT     any
	LTE    any
	Exists *bool
}

// HasRange reports whether any range bound is set.
func (f Filter) HasRange() bool { return f.GT != nil || f.GTE != nil || f.LT != nil || f.LTE != nil }

// IsEmpty reports whether the filter constrains nothing.
func (f Filter) IsEmpty() bool { return len(f.Values) == 0 && !f.HasRange() && f.Exists == nil }

// SortField orders results by one field.
type SortField struct {
	Field string
	Desc  bool
}

// Intervals accepted by date-histogram axes.
var Intervals = map[string]bool{
	"year": true, "quarter": true, "month": true, "week": true, "day": true, "hour": true,
}

// Axis groups documents by a field. Interval selects a date histogram on date
// fields or the bucket width of a numeric histogram; keyword fields use terms.
type Axis struct {
	Field    string
	Interval string
	Size     int
	// Name is the output column; empty means the field name.
	Name string
}

// Column returns the output column for the axis.
func (a Axis) Column() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Field
}

// Metric functions.
const (
	FuncMin = "min"
	FuncMax = "max"
	FuncAvg = "avg"
	FuncSum = "sum"
)

// Metric is a per-bucket statistic.
type Metric struct {
	Field    string
	Function string
	// Name is the output column; empty means function_field.
	Name string
}

// Column returns the output column for the metric.
func (m Metric) Column() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Function + "_" + m.Field
}

// Aggregation requests grouped counts and statistics.
type Aggregation struct {
	Axes    []Axis
	Metrics []Metric
}

// Spec is a query specification as submitted by a caller.
type Spec struct {
	// Queries maps labels to full-text query strings; they are OR-ed.
	Queries map[string]string
	// QueryFields narrows the text fields searched; empty means every visible text field.
	QueryFields []string
	Filters     map[string]Filter
	Sort        []SortField
	Page        int
	PerPage     int
	Cursor      string
	// Projection lists the fields to return; empty means every visible field.
	Projection  []string
	Aggregation *Aggregation
}

// ParseSort reads "field" or "-field" / "field:desc" into a SortField.
func ParseSort(s string) SortField {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return SortField{Field: s[1:], Desc: true}
	}
	if name, dir, ok := strings.Cut(s, ":"); ok {
		return SortField{Field: name, Desc: strings.EqualFold(dir, "desc")}
	}
	return SortField{Field: s}
}
