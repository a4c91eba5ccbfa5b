package field

import (
	"fmt"
	"regexp"

	"github.com/kailas-cloud/amcat/internal/domain/role"
)

// Type is the semantic type of a field.
type Type string

// Field type constants. Tag, URL and ID are keyword-backed.
const (
	Text    Type = "text"
	Keyword Type = "keyword"
	Tag     Type = "tag"
	URL     Type = "url"
	ID      Type = "id"
	Date    Type = "date"
	Long    Type = "long"
	Double  Type = "double"
	Boolean Type = "boolean"
	Vector  Type = "vector"
)

// IsValid reports whether t is a known type.
func (t Type) IsValid() bool {
	switch t {
	case Text, Keyword, Tag, URL, ID, Date, Long, Double, Boolean, Vector:
		return true
	}
	return false
}

// IsKeyword reports whether t is stored as an exact-match keyword.
func (t Type) IsKeyword() bool { return t == Keyword || t == Tag || t == URL || t == ID }

// IsNumeric reports whether t is long or double.
func (t Type) IsNumeric() bool { return t == Long || t == Double }

// Rangeable reports whether range constraints apply to t.
func (t Type) Rangeable() bool { return t == Date || t.IsNumeric() }

// Termable reports whether exact-value constraints apply to t.
func (t Type) Termable() bool { return t.IsKeyword() || t.Rangeable() || t == Boolean }

// Sortable reports whether results can be ordered by t.
func (t Type) Sortable() bool { return t.IsKeyword() || t.Rangeable() || t == Boolean }

// Visibility controls which roles can see a field.
type Visibility string

// Visibility classes.
const (
	Public    Visibility = "public"
	Metadata  Visibility = "metadata"
	AdminOnly Visibility = "admin"
)

// IsValid reports whether v is a known visibility class.
func (v Visibility) IsValid() bool { return v == Public || v == Metadata || v == AdminOnly }

// MinLevel returns the lowest role that can see a field of this class.
func (v Visibility) MinLevel() role.Level {
	switch v {
	case Metadata:
		return role.MetaReader
	case AdminOnly:
		return role.Admin
	default:
		return role.Reader
	}
}

var nameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// IDField is the engine field mirroring the document id; used as sort tiebreaker.
const IDField = "amcat_id"

// QueryAxis is the pseudo-field that splits aggregations by labelled query.
const QueryAxis = "_query"

var reservedFieldNames = map[string]bool{
	IDField: true, "_id": true, QueryAxis: true, "n": true,
}

// Field is an immutable schema entry.
type Field struct {
	name       string
	fieldType  Type
	visibility Visibility
	dimensions int
}

// New validates and creates a Field. Visibility defaults to public.
// Vector fields require positive dimensions.
func New(name string, ft Type, vis Visibility, dimensions int) (Field, error) {
	if name == "" {
		return Field{}, fmt.Errorf("field name is required")
	}
	if len(name) > 64 {
		return Field{}, fmt.Errorf("field name %q too long (max 64)", name)
	}
	if !nameRegex.MatchString(name) {
		return Field{}, fmt.Errorf("field name %q must start with a letter and contain only letters, digits and underscores", name)
	}
	if reservedFieldNames[name] {
		return Field{}, fmt.Errorf("field name %q is reserved", name)
	}
	if !ft.IsValid() {
		return Field{}, fmt.Errorf("invalid field type %q for %q", ft, name)
	}
	if vis == "" {
		vis = Public
	}
	if !vis.IsValid() {
		return Field{}, fmt.Errorf("invalid visibility %q for %q", vis, name)
	}
	if ft == Vector && dimensions <= 0 {
		return Field{}, fmt.Errorf("vector field %q requires positive dimensions", name)
	}
	if ft != Vector {
		dimensions = 0
	}
	return Field{name: name, fieldType: ft, visibility: vis, dimensions: dimensions}, nil
}

// Reconstruct creates a Field without validation (storage hydration).
func Reconstruct(name string, ft Type, vis Visibility, dimensions int) Field {
	if vis == "" {
		vis = Public
	}
	return Field{name: name, fieldType: ft, visibility: vis, dimensions: dimensions}
}

// Name returns the field name.
func (f Field) Name() string { return f.name }

// FieldType returns the semantic type.
func (f Field) FieldType() Type { return f.fieldType }

// Visibility returns the visibility class.
func (f Field) Visibility() Visibility { return f.visibility }

// Dimensions returns the vector size, zero for other types.
func (f Field) Dimensions() int { return f.dimensions }

// VisibleTo reports whether a subject with the given level can see the field.
func (f Field) VisibleTo(l role.Level) bool { return l.Allows(f.visibility.MinLevel()) }

// WithVisibility returns a copy with a different visibility class.
func (f Field) WithVisibility(v Visibility) Field {
	f.visibility = v
	return f
}
