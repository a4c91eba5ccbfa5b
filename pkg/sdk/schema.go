package amcat

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	domdoc "github.com/kailas-cloud/amcat/internal/domain/document"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
)

const tagKey = "amcat"

var timeType = reflect.TypeFor[time.Time]()

// schemaMeta holds parsed struct tag metadata, cached per TypedIndex.
type schemaMeta struct {
	typ   reflect.Type // struct type for reconstruction
	idIdx int          // -1 if ids are derived from content

	fields   []Field
	mappings []fieldMapping
}

type fieldMapping struct {
	structIdx int
	name      string
}

// parseSchema reflects on T and extracts amcat struct tag metadata.
//
// A tag reads `amcat:"name[,type][,visibility][,dims=N]"`. The type defaults
// from the Go type; the field tagged `amcat:"_id"` carries the document id.
func parseSchema[T any]() (*schemaMeta, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return nil, fmt.Errorf("amcat: type parameter must be a struct")
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("amcat: type %s is not a struct", t)
	}

	meta := &schemaMeta{typ: t, idIdx: -1}
	seen := make(map[string]bool)
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get(tagKey)
		if tag == "" || tag == "-" {
			continue
		}
		if err := meta.applyTag(i, f, tag, seen); err != nil {
			return nil, err
		}
	}
	if len(meta.fields) == 0 {
		return nil, fmt.Errorf("amcat: no `amcat` tagged fields in %s", t)
	}
	return meta, nil
}

// applyTag processes a single struct field's amcat tag.
func (m *schemaMeta) applyTag(idx int, sf reflect.StructField, tag string, seen map[string]bool) error {
	parts := strings.Split(tag, ",")
	name := parts[0]

	if name == domdoc.IDKey {
		if m.idIdx != -1 {
			return fmt.Errorf("amcat: duplicate %s tag on field %s", domdoc.IDKey, sf.Name)
		}
		if sf.Type.Kind() != reflect.String {
			return fmt.Errorf("amcat: %s field %s must be a string", domdoc.IDKey, sf.Name)
		}
		m.idIdx = idx
		return nil
	}
	if seen[name] {
		return fmt.Errorf("amcat: duplicate field name %q on field %s", name, sf.Name)
	}
	seen[name] = true

	out := Field{Name: name}
	for _, p := range parts[1:] {
		switch {
		case field.Type(p).IsValid():
			out.Type = FieldType(p)
		case field.Visibility(p).IsValid():
			out.Visibility = Visibility(p)
		case strings.HasPrefix(p, "dims="):
			n, err := strconv.Atoi(strings.TrimPrefix(p, "dims="))
			if err != nil || n <= 0 {
				return fmt.Errorf("amcat: bad dimensions %q on field %s", p, sf.Name)
			}
			out.Dimensions = n
		default:
			return fmt.Errorf("amcat: unknown modifier %q on field %s", p, sf.Name)
		}
	}
	if out.Type == "" {
		ft, ok := inferType(sf.Type)
		if !ok {
			return fmt.Errorf("amcat: cannot infer field type of %s (%s)", sf.Name, sf.Type)
		}
		out.Type = ft
	}

	m.fields = append(m.fields, out)
	m.mappings = append(m.mappings, fieldMapping{structIdx: idx, name: name})
	return nil
}

func inferType(t reflect.Type) (FieldType, bool) {
	if t == timeType {
		return FieldDate, true
	}
	switch t.Kind() {
	case reflect.String:
		return FieldText, true
	case reflect.Bool:
		return FieldBoolean, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return FieldLong, true
	case reflect.Float32, reflect.Float64:
		return FieldDouble, true
	case reflect.Slice:
		switch t.Elem().Kind() {
		case reflect.String:
			return FieldTag, true
		case reflect.Float32, reflect.Float64:
			return FieldVector, true
		}
	}
	return "", false
}

// toDocument converts a typed struct to an upload item.
func (m *schemaMeta) toDocument(item any) map[string]any {
	v := reflect.ValueOf(item)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}

	doc := make(map[string]any, len(m.mappings)+1)
	if m.idIdx != -1 {
		if id := v.Field(m.idIdx).String(); id != "" {
			doc[domdoc.IDKey] = id
		}
	}
	for _, fm := range m.mappings {
		fv := v.Field(fm.structIdx)
		if fv.IsZero() {
			continue
		}
		if fv.Type() == timeType {
			doc[fm.name] = field.FormatDate(fv.Interface().(time.Time))
			continue
		}
		doc[fm.name] = fv.Interface()
	}
	return doc
}

// fromDocument fills a new T from stored field values. Fields the caller may
// not see are absent and stay zero.
func (m *schemaMeta) fromDocument(id string, fields map[string]any) (any, error) {
	v := reflect.New(m.typ).Elem()
	if m.idIdx != -1 {
		v.Field(m.idIdx).SetString(id)
	}
	for _, fm := range m.mappings {
		raw, ok := fields[fm.name]
		if !ok || raw == nil {
			continue
		}
		if err := assign(v.Field(fm.structIdx), raw); err != nil {
			return nil, fmt.Errorf("field %q: %w", fm.name, err)
		}
	}
	return v.Interface(), nil
}

func assign(dst reflect.Value, raw any) error {
	if dst.Type() == timeType {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("date is %T, want string", raw)
		}
		t, err := field.ParseDate(s)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		if s, ok := raw.(string); ok {
			dst.SetString(s)
		} else {
			dst.SetString(fmt.Sprint(raw))
		}
	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("value is %T, want bool", raw)
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, err := number(raw)
		if err != nil {
			return err
		}
		dst.SetInt(int64(f))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f, err := number(raw)
		if err != nil {
			return err
		}
		dst.SetUint(uint64(f))
	case reflect.Float32, reflect.Float64:
		f, err := number(raw)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
	case reflect.Slice:
		return assignSlice(dst, raw)
	default:
		return fmt.Errorf("unsupported struct field kind %s", dst.Kind())
	}
	return nil
}

// assignSlice accepts a single value or any slice; engines return tags as
// either.
func assignSlice(dst reflect.Value, raw any) error {
	src := reflect.ValueOf(raw)
	if src.Kind() != reflect.Slice {
		src = reflect.ValueOf([]any{raw})
	}
	out := reflect.MakeSlice(dst.Type(), src.Len(), src.Len())
	for i := range src.Len() {
		if err := assign(out.Index(i), src.Index(i).Interface()); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	dst.Set(out)
	return nil
}

func number(raw any) (float64, error) {
	switch n := raw.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("value is %T, want a number", raw)
	}
}
