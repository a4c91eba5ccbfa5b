package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// IDKey is the reserved input key carrying an explicit document id.
const IDKey = "_id"

var idRegex = regexp.MustCompile(`^[^\s/]+$`)

// identityFields feed the content hash when a document has no explicit id.
var identityFields = []string{"title", "date", "text", "url"}

// Document is a stored document: an id plus typed field values.
type Document struct {
	id     string
	fields map[string]any
}

// ValidateID checks an explicit document id.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("document id is required")
	}
	if len(id) > 512 {
		return fmt.Errorf("document id too long (max 512)")
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("document id must not contain whitespace or slashes")
	}
	return nil
}

// New creates a Document. An empty id is replaced by the content hash.
func New(id string, fields map[string]any) (Document, error) {
	if id == "" {
		id = HashID(fields)
	}
	if err := ValidateID(id); err != nil {
		return Document{}, err
	}
	return Document{id: id, fields: fields}, nil
}

// Reconstruct creates a Document without validation (storage hydration).
func Reconstruct(id string, fields map[string]any) Document {
	return Document{id: id, fields: fields}
}

// ID returns the document identifier.
func (d Document) ID() string { return d.id }

// Fields returns the field values.
func (d Document) Fields() map[string]any { return d.fields }

// Project returns a copy restricted to the allowed field names.
func (d Document) Project(allowed func(name string) bool) Document {
	out := make(map[string]any, len(d.fields))
	for k, v := range d.fields {
		if allowed(k) {
			out[k] = v
		}
	}
	return Document{id: d.id, fields: out}
}

// HashID derives a stable id from the identity fields, or from all fields
// when none of them are present. Map keys are sorted by encoding/json.
func HashID(fields map[string]any) string {
	basis := make(map[string]any, len(identityFields))
	for _, name := range identityFields {
		if v, ok := fields[name]; ok {
			basis[name] = v
		}
	}
	if len(basis) == 0 {
		basis = fields
	}
	keys := make([]string, 0, len(basis))
	for k := range basis {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]any, len(keys))
	for i, k := range keys {
		pairs[i] = [2]any{k, basis[k]}
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		data = []byte(fmt.Sprint(pairs))
	}
	sum := sha256.Sum224(data)
	return hex.EncodeToString(sum[:])
}
