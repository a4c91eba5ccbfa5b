package query

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	domquery "github.com/kailas-cloud/amcat/internal/domain/query"
	"github.com/kailas-cloud/amcat/internal/domain/query/text"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
)

// ScoreSort orders by relevance.
const ScoreSort = "_score"

// Limits caps what a single request may ask of the engine.
type Limits struct {
	DefaultPerPage int
	MaxPerPage     int
	// MaxResultWindow bounds (page+1)*per_page for offset paging.
	MaxResultWindow int
	// CursorPageThreshold is the first page that requires a cursor.
	CursorPageThreshold int
	MaxAxes             int
	MaxTermsSize        int
	MaxBuckets          int
	Timeout             time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		DefaultPerPage:      20,
		MaxPerPage:          200,
		MaxResultWindow:     10000,
		CursorPageThreshold: 10,
		MaxAxes:             3,
		MaxTermsSize:        1000,
		MaxBuckets:          10000,
		Timeout:             30 * time.Second,
	}
}

// visibleField resolves name and checks it against level. Unknown and
// hidden fields fail the same way.
func visibleField(idx index.Index, level role.Level, name string) (field.Field, error) {
	f, ok := idx.Field(name)
	if !ok || !f.VisibleTo(level) {
		return field.Field{}, fmt.Errorf("unknown field %q: %w", name, domain.ErrInvalidField)
	}
	return f, nil
}

func invalidFilter(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrInvalidFilter)
}

func tooExpensive(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrQueryTooExpensive)
}

// checkVisibility resolves every field name the spec refers to. It runs
// before any other validation so an unknown or hidden field always fails
// with ErrInvalidField, whatever else is wrong with the request.
func checkVisibility(spec domquery.Spec, level role.Level, idx index.Index) error {
	names := append([]string{}, spec.QueryFields...)
	for name := range spec.Filters {
		names = append(names, name)
	}
	for _, s := range spec.Sort {
		switch s.Field {
		case ScoreSort, "_id", field.IDField:
			continue
		}
		names = append(names, s.Field)
	}
	if agg := spec.Aggregation; agg != nil {
		for _, a := range agg.Axes {
			if a.Field != field.QueryAxis {
				names = append(names, a.Field)
			}
		}
		for _, m := range agg.Metrics {
			names = append(names, m.Field)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := visibleField(idx, level, name); err != nil {
			return err
		}
	}
	return nil
}

// Translate validates spec against the schema and the subject's level and
// produces an engine query.
func Translate(spec domquery.Spec, level role.Level, idx index.Index, lim Limits) (*engine.Query, error) {
	if err := checkVisibility(spec, level, idx); err != nil {
		return nil, err
	}
	node, err := parseQueries(spec.Queries)
	if err != nil {
		return nil, err
	}
	return translateWith(spec, node, level, idx, lim)
}

func translateWith(spec domquery.Spec, node text.Node, level role.Level, idx index.Index, lim Limits) (*engine.Query, error) {
	q := &engine.Query{Text: node, Timeout: lim.Timeout}
	var err error
	if node != nil {
		if q.TextFields, err = textFields(spec.QueryFields, level, idx); err != nil {
			return nil, err
		}
	}
	if q.Filters, err = translateFilters(spec.Filters, level, idx); err != nil {
		return nil, err
	}
	if q.Sort, err = translateSort(spec.Sort, node != nil, level, idx); err != nil {
		return nil, err
	}
	if err := paginate(q, spec, lim); err != nil {
		return nil, err
	}
	q.Fields = Projection(spec.Projection, level, idx)
	return q, nil
}

// parseQueries parses every labelled query and ORs them together.
func parseQueries(queries map[string]string) (text.Node, error) {
	labels := sortedLabels(queries)
	var nodes []text.Node
	for _, label := range labels {
		n, err := text.Parse(queries[label])
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", label, err)
		}
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	switch len(nodes) {
	case 0:
		return nil, nil
	case 1:
		return nodes[0], nil
	}
	return text.Or{Nodes: nodes}, nil
}

func sortedLabels(queries map[string]string) []string {
	labels := make([]string, 0, len(queries))
	for l := range queries {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

func textFields(requested []string, level role.Level, idx index.Index) ([]string, error) {
	if len(requested) > 0 {
		out := make([]string, 0, len(requested))
		for _, name := range requested {
			f, err := visibleField(idx, level, name)
			if err != nil {
				return nil, err
			}
			if f.FieldType() != field.Text {
				return nil, invalidFilter("field %q is %s, full-text search needs text", name, f.FieldType())
			}
			out = append(out, name)
		}
		return out, nil
	}
	var out []string
	for _, f := range idx.Fields() {
		if f.FieldType() == field.Text && f.VisibleTo(level) {
			out = append(out, f.Name())
		}
	}
	if len(out) == 0 {
		return nil, invalidFilter("index has no searchable text fields")
	}
	return out, nil
}

func translateFilters(filters map[string]domquery.Filter, level role.Level, idx index.Index) ([]engine.Filter, error) {
	names := make([]string, 0, len(filters))
	for n := range filters {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []engine.Filter
	for _, name := range names {
		flt := filters[name]
		f, err := visibleField(idx, level, name)
		if err != nil {
			return nil, err
		}
		if flt.IsEmpty() {
			return nil, invalidFilter("filter on %q has no constraint", name)
		}
		ft := f.FieldType()
		if ft == field.Vector {
			return nil, invalidFilter("field %q is a vector and cannot be filtered", name)
		}
		if flt.Exists != nil {
			kind := engine.FilterMissing
			if *flt.Exists {
				kind = engine.FilterExists
			}
			out = append(out, engine.Filter{Field: name, Type: ft, Kind: kind})
		}
		if len(flt.Values) > 0 {
			if !ft.Termable() {
				return nil, invalidFilter("field %q is %s, exact values need a keyword, date, numeric or boolean field", name, ft)
			}
			values := make([]any, len(flt.Values))
			for i, v := range flt.Values {
				if values[i], err = filterValue(f, v); err != nil {
					return nil, err
				}
			}
			out = append(out, engine.Filter{Field: name, Type: ft, Kind: engine.FilterTerms, Values: values})
		}
		if flt.HasRange() {
			if !ft.Rangeable() {
				return nil, invalidFilter("field %q is %s, ranges need a date or numeric field", name, ft)
			}
			r := engine.Filter{Field: name, Type: ft, Kind: engine.FilterRange}
			bounds := []struct {
				in  any
				out *any
			}{{flt.GT, &r.GT}, {flt.GTE, &r.GTE}, {flt.LT, &r.LT}, {flt.LTE, &r.LTE}}
			for _, b := range bounds {
				if b.in == nil {
					continue
				}
				if *b.out, err = filterValue(f, b.in); err != nil {
					return nil, err
				}
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// filterValue canonicalizes one filter operand. Tags compare against a single value.
func filterValue(f field.Field, v any) (any, error) {
	if f.FieldType() == field.Tag {
		s, ok := v.(string)
		if !ok {
			return nil, invalidFilter("field %q expects a single tag string, got %T", f.Name(), v)
		}
		return s, nil
	}
	cv, err := f.Coerce(v)
	if err != nil || cv == nil {
		return nil, invalidFilter("bad value for %q: %v", f.Name(), err)
	}
	return cv, nil
}

// translateSort validates the sort and always ends it with the id tiebreaker.
func translateSort(in []domquery.SortField, hasText bool, level role.Level, idx index.Index) ([]engine.Sort, error) {
	out := make([]engine.Sort, 0, len(in)+1)
	if len(in) == 0 && hasText {
		out = append(out, engine.Sort{Field: ScoreSort, Desc: true})
	}
	tiebreak := false
	for _, s := range in {
		switch s.Field {
		case ScoreSort:
			out = append(out, engine.Sort{Field: ScoreSort, Desc: s.Desc})
			continue
		case "_id", field.IDField:
			out = append(out, engine.Sort{Field: field.IDField, Desc: s.Desc})
			tiebreak = true
			continue
		}
		f, err := visibleField(idx, level, s.Field)
		if err != nil {
			return nil, err
		}
		if !f.FieldType().Sortable() {
			return nil, invalidFilter("field %q is %s and cannot be sorted", s.Field, f.FieldType())
		}
		out = append(out, engine.Sort{Field: s.Field, Desc: s.Desc})
	}
	if !tiebreak {
		out = append(out, engine.Sort{Field: field.IDField})
	}
	return out, nil
}

func paginate(q *engine.Query, spec domquery.Spec, lim Limits) error {
	perPage := spec.PerPage
	if perPage <= 0 {
		perPage = lim.DefaultPerPage
	}
	if perPage > lim.MaxPerPage {
		return tooExpensive("per_page %d exceeds %d", perPage, lim.MaxPerPage)
	}
	if spec.Page < 0 {
		return fmt.Errorf("page must not be negative: %w", domain.ErrInvalidRequest)
	}
	q.Size = perPage

	if spec.Cursor != "" {
		after, err := DecodeCursor(spec.Cursor)
		if err != nil {
			return err
		}
		if len(after) != len(q.Sort) {
			return fmt.Errorf("cursor does not match the sort order: %w", domain.ErrInvalidRequest)
		}
		q.SearchAfter = after
		return nil
	}
	if spec.Page >= lim.CursorPageThreshold {
		return tooExpensive("page %d is past %d, continue with the cursor", spec.Page, lim.CursorPageThreshold)
	}
	if (spec.Page+1)*perPage > lim.MaxResultWindow {
		return tooExpensive("result window (page+1)*per_page = %d exceeds %d", (spec.Page+1)*perPage, lim.MaxResultWindow)
	}
	q.From = spec.Page * perPage
	return nil
}

// Projection returns the fields to return: the requested ones the level
// may see, or every visible non-vector field. Hidden or unknown names are
// dropped without error. The result is never nil.
func Projection(requested []string, level role.Level, idx index.Index) []string {
	out := []string{}
	if len(requested) == 0 {
		for _, f := range idx.Fields() {
			if f.FieldType() != field.Vector && f.VisibleTo(level) {
				out = append(out, f.Name())
			}
		}
		return out
	}
	seen := make(map[string]bool, len(requested))
	for _, name := range requested {
		f, ok := idx.Field(name)
		if !ok || !f.VisibleTo(level) || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// aggregatePlan is a translated aggregation. QueryAxis is the position of
// the _query axis in the caller's axis list, or -1.
type aggregatePlan struct {
	Query     *engine.AggregateQuery
	AxisNames []string
	QueryAxis int
	Labels    []string
	Nodes     map[string]text.Node
}

// TranslateAggregate validates an aggregation request.
func TranslateAggregate(spec domquery.Spec, level role.Level, idx index.Index, lim Limits) (*engine.AggregateQuery, error) {
	plan, err := planAggregate(spec, level, idx, lim)
	if err != nil {
		return nil, err
	}
	if plan.QueryAxis >= 0 {
		return nil, invalidFilter("the %s axis is resolved per query label", field.QueryAxis)
	}
	return plan.Query, nil
}

func planAggregate(spec domquery.Spec, level role.Level, idx index.Index, lim Limits) (*aggregatePlan, error) {
	agg := spec.Aggregation
	if agg == nil {
		return nil, fmt.Errorf("aggregation is required: %w", domain.ErrInvalidRequest)
	}
	if err := checkVisibility(spec, level, idx); err != nil {
		return nil, err
	}
	if len(agg.Axes) > lim.MaxAxes {
		return nil, tooExpensive("%d axes exceed %d", len(agg.Axes), lim.MaxAxes)
	}
	node, err := parseQueries(spec.Queries)
	if err != nil {
		return nil, err
	}
	plan := &aggregatePlan{QueryAxis: -1}
	q := &engine.AggregateQuery{Text: node, MaxBuckets: lim.MaxBuckets, Timeout: lim.Timeout}

	// columns maps each output column to what produces it.
	columns := map[string]string{CountColumn: "count"}
	claim := func(col, what string) (bool, error) {
		prev, ok := columns[col]
		if !ok {
			columns[col] = what
			return true, nil
		}
		if prev == what {
			return false, nil
		}
		return false, invalidFilter("column %q is used twice", col)
	}

	for i, a := range agg.Axes {
		if a.Field == field.QueryAxis {
			if plan.QueryAxis >= 0 {
				return nil, invalidFilter("the %s axis may appear once", field.QueryAxis)
			}
			if len(spec.Queries) == 0 {
				return nil, invalidFilter("the %s axis needs labelled queries", field.QueryAxis)
			}
			if _, err := claim(a.Column(), "axis "+strconv.Itoa(i)); err != nil {
				return nil, err
			}
			plan.QueryAxis = i
			plan.AxisNames = append(plan.AxisNames, a.Column())
			continue
		}
		ax, err := translateAxis(a, level, idx, lim)
		if err != nil {
			return nil, err
		}
		if _, err := claim(ax.Name, "axis "+strconv.Itoa(i)); err != nil {
			return nil, err
		}
		q.Axes = append(q.Axes, ax)
		plan.AxisNames = append(plan.AxisNames, ax.Name)
	}

	for _, m := range agg.Metrics {
		em, err := translateMetric(m, level, idx)
		if err != nil {
			return nil, err
		}
		fresh, err := claim(em.Name, em.Function+"("+em.Field+")")
		if err != nil {
			return nil, err
		}
		if fresh {
			q.Metrics = append(q.Metrics, em)
		}
	}

	if node != nil || plan.QueryAxis >= 0 {
		if q.TextFields, err = textFields(spec.QueryFields, level, idx); err != nil {
			return nil, err
		}
	}
	if q.Filters, err = translateFilters(spec.Filters, level, idx); err != nil {
		return nil, err
	}

	if plan.QueryAxis >= 0 {
		plan.Labels = sortedLabels(spec.Queries)
		plan.Nodes = make(map[string]text.Node, len(plan.Labels))
		for _, l := range plan.Labels {
			n, err := text.Parse(spec.Queries[l])
			if err != nil {
				return nil, fmt.Errorf("query %q: %w", l, err)
			}
			plan.Nodes[l] = n
		}
	}
	plan.Query = q
	return plan, nil
}

func translateAxis(a domquery.Axis, level role.Level, idx index.Index, lim Limits) (engine.Axis, error) {
	f, err := visibleField(idx, level, a.Field)
	if err != nil {
		return engine.Axis{}, err
	}
	ax := engine.Axis{Name: a.Column(), Field: a.Field}
	ft := f.FieldType()
	switch {
	case ft == field.Date:
		interval := a.Interval
		if interval == "" {
			interval = "month"
		}
		if !domquery.Intervals[interval] {
			return engine.Axis{}, invalidFilter("unknown date interval %q", a.Interval)
		}
		ax.Kind = engine.AxisDateHistogram
		ax.Interval = interval
	case ft.IsNumeric():
		width, err := strconv.ParseFloat(a.Interval, 64)
		if err != nil || width <= 0 {
			return engine.Axis{}, invalidFilter("numeric axis %q needs a positive interval", a.Field)
		}
		ax.Kind = engine.AxisHistogram
		ax.Width = width
	case ft.IsKeyword() || ft == field.Boolean:
		if a.Interval != "" {
			return engine.Axis{}, invalidFilter("interval does not apply to %s field %q", ft, a.Field)
		}
		if a.Size > lim.MaxTermsSize {
			return engine.Axis{}, tooExpensive("terms size %d exceeds %d", a.Size, lim.MaxTermsSize)
		}
		ax.Kind = engine.AxisTerms
		ax.Size = a.Size
	default:
		return engine.Axis{}, invalidFilter("cannot aggregate on %s field %q", ft, a.Field)
	}
	return ax, nil
}

func translateMetric(m domquery.Metric, level role.Level, idx index.Index) (engine.Metric, error) {
	f, err := visibleField(idx, level, m.Field)
	if err != nil {
		return engine.Metric{}, err
	}
	ft := f.FieldType()
	switch m.Function {
	case domquery.FuncMin, domquery.FuncMax, domquery.FuncAvg:
		if !ft.Rangeable() {
			return engine.Metric{}, invalidFilter("%s needs a numeric or date field, %q is %s", m.Function, m.Field, ft)
		}
	case domquery.FuncSum:
		if !ft.IsNumeric() {
			return engine.Metric{}, invalidFilter("sum needs a numeric field, %q is %s", m.Field, ft)
		}
	default:
		return engine.Metric{}, invalidFilter("unknown metric function %q", m.Function)
	}
	return engine.Metric{Name: m.Column(), Field: m.Field, Type: ft, Function: m.Function}, nil
}
