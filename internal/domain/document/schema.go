package document

import (
	"fmt"
	"sort"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
)

// Schema resolves field names to schema entries.
type Schema interface {
	Field(name string) (field.Field, bool)
}

// UnknownFields lists the input keys missing from the schema, sorted.
func UnknownFields(raw map[string]any, schema Schema) []string {
	var out []string
	for k := range raw {
		if k == IDKey {
			continue
		}
		if _, ok := schema.Field(k); !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Prepare validates raw input against the schema and coerces every value to
// its field type. Unknown fields and mistyped values fail with ErrInvalidField.
func Prepare(raw map[string]any, schema Schema) (Document, error) {
	id := ""
	if v, ok := raw[IDKey]; ok {
		s, isStr := v.(string)
		if !isStr {
			return Document{}, fmt.Errorf("%s must be a string: %w", IDKey, domain.ErrInvalidField)
		}
		id = s
	}
	fields, err := CoerceFields(raw, schema)
	if err != nil {
		return Document{}, err
	}
	if len(fields) == 0 {
		return Document{}, fmt.Errorf("document has no fields: %w", domain.ErrInvalidField)
	}
	doc, err := New(id, fields)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %w", domain.ErrInvalidField, err)
	}
	return doc, nil
}

// CoerceFields validates a partial field map, skipping the id key.
func CoerceFields(raw map[string]any, schema Schema) (map[string]any, error) {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == IDKey {
			continue
		}
		f, ok := schema.Field(k)
		if !ok {
			return nil, fmt.Errorf("unknown field %q: %w", k, domain.ErrInvalidField)
		}
		cv, err := f.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidField, err)
		}
		if cv != nil {
			fields[k] = cv
		}
	}
	return fields, nil
}
