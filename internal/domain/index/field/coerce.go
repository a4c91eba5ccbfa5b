package field

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate accepts RFC 3339 timestamps, naive timestamps (read as UTC) and plain dates.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as date", s)
}

// FormatDate renders t in the canonical stored form.
func FormatDate(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// Coerce converts a decoded JSON value into the canonical form for the field.
// Values that do not fit the type are rejected rather than converted.
func (f Field) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.fieldType {
	case Text, Keyword, URL, ID:
		s, ok := v.(string)
		if !ok {
			return nil, f.typeErr(v)
		}
		return s, nil
	case Tag:
		return f.coerceTags(v)
	case Date:
		s, ok := v.(string)
		if !ok {
			return nil, f.typeErr(v)
		}
		t, err := ParseDate(s)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.name, err)
		}
		return FormatDate(t), nil
	case Long:
		if n, ok := toInt(v); ok {
			return n, nil
		}
		n, err := toFloat(v)
		if err != nil || n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return nil, f.typeErr(v)
		}
		return int64(n), nil
	case Double:
		n, err := toFloat(v)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, f.typeErr(v)
		}
		return n, nil
	case Boolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, f.typeErr(v)
			}
			return parsed, nil
		}
		return nil, f.typeErr(v)
	case Vector:
		return f.coerceVector(v)
	}
	return nil, f.typeErr(v)
}

func (f Field) coerceTags(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, f.typeErr(v)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, f.typeErr(v)
}

func (f Field) coerceVector(v any) (any, error) {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case []float32:
		if len(t) != f.dimensions {
			return nil, fmt.Errorf("field %q expects %d dimensions, got %d", f.name, f.dimensions, len(t))
		}
		return t, nil
	case []float64:
		items = make([]any, len(t))
		for i, x := range t {
			items[i] = x
		}
	default:
		return nil, f.typeErr(v)
	}
	if len(items) != f.dimensions {
		return nil, fmt.Errorf("field %q expects %d dimensions, got %d", f.name, f.dimensions, len(items))
	}
	out := make([]float32, len(items))
	for i, item := range items {
		n, err := toFloat(item)
		if err != nil {
			return nil, f.typeErr(v)
		}
		out[i] = float32(n)
	}
	return out, nil
}

func (f Field) typeErr(v any) error {
	return fmt.Errorf("field %q expects %s, got %T", f.name, f.fieldType, v)
}

// toInt reads integral values without a float round trip, so longs beyond
// 2^53 keep every digit.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := strconv.ParseInt(n.String(), 10, 64)
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

// Infer guesses a type for an unregistered field from a sample value.
func Infer(v any) (Type, bool) {
	switch t := v.(type) {
	case string:
		return Text, true
	case float64, float32, int, int64, json.Number:
		return Double, true
	case bool:
		return Boolean, true
	case []any:
		for _, item := range t {
			if _, ok := item.(string); !ok {
				return "", false
			}
		}
		return Tag, true
	}
	return "", false
}
