package patch

import (
	"fmt"
	"sort"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/document"
)

// Patch is a partial document update. Fields not named are unchanged;
// a null value clears the field.
type Patch struct {
	set   map[string]any
	clear []string
}

// New validates raw against the schema. Values are coerced to their field
// types; the document id cannot be patched. At least one field must be provided.
func New(raw map[string]any, schema document.Schema) (Patch, error) {
	if len(raw) == 0 {
		return Patch{}, fmt.Errorf("at least one field must be provided: %w", domain.ErrInvalidField)
	}
	if _, ok := raw[document.IDKey]; ok {
		return Patch{}, fmt.Errorf("%s cannot be changed: %w", document.IDKey, domain.ErrInvalidField)
	}
	p := Patch{set: make(map[string]any, len(raw))}
	for k, v := range raw {
		if v != nil {
			continue
		}
		if _, ok := schema.Field(k); !ok {
			return Patch{}, fmt.Errorf("unknown field %q: %w", k, domain.ErrInvalidField)
		}
		p.clear = append(p.clear, k)
	}
	sort.Strings(p.clear)
	set, err := document.CoerceFields(raw, schema)
	if err != nil {
		return Patch{}, err
	}
	p.set = set
	return p, nil
}

// Set returns the coerced values to write.
func (p Patch) Set() map[string]any { return p.set }

// Cleared returns the fields to remove, sorted.
func (p Patch) Cleared() []string { return p.clear }

// Names returns every field the patch touches, sorted.
func (p Patch) Names() []string {
	out := make([]string, 0, len(p.set)+len(p.clear))
	for k := range p.set {
		out = append(out, k)
	}
	out = append(out, p.clear...)
	sort.Strings(out)
	return out
}

// Fields returns the engine update body: set values plus nil for cleared fields.
func (p Patch) Fields() map[string]any {
	out := make(map[string]any, len(p.set)+len(p.clear))
	for k, v := range p.set {
		out[k] = v
	}
	for _, k := range p.clear {
		out[k] = nil
	}
	return out
}
