// Package index holds the logical index aggregate kept by the registry.
package index

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/role"
)

var nameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// MaxFields bounds the schema size of one index.
const MaxFields = 256

// State is the lifecycle state recorded in the registry.
type State string

// Creation states run PENDING -> PHYSICAL_CREATED -> REGISTERED -> ACTIVE,
// deletion states run ACTIVE -> SOFT_DELETED -> ROLES_REVOKED -> PHYSICAL_DELETED.
// Purged indices have no record at all.
const (
	StatePending         State = "PENDING"
	StatePhysicalCreated State = "PHYSICAL_CREATED"
	StateRegistered      State = "REGISTERED"
	StateActive          State = "ACTIVE"
	StateSoftDeleted     State = "SOFT_DELETED"
	StateRolesRevoked    State = "ROLES_REVOKED"
	StatePhysicalDeleted State = "PHYSICAL_DELETED"
)

// Creating reports whether s belongs to an unfinished create sequence.
func (s State) Creating() bool {
	return s == StatePending || s == StatePhysicalCreated || s == StateRegistered
}

// Deleting reports whether s belongs to a delete sequence.
func (s State) Deleting() bool {
	return s == StateSoftDeleted || s == StateRolesRevoked || s == StatePhysicalDeleted
}

// Index is the logical index aggregate (immutable value object).
type Index struct {
	name          string
	physicalID    string
	fields        []field.Field
	owner         string
	guestReadable bool
	createdAt     int64
	state         State
	version       int64
}

// ValidateName checks a logical index name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("index name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("index name too long (max 64)")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("index name must be lowercase alphanumeric with underscores and hyphens")
	}
	return nil
}

func validateFields(fields []field.Field) error {
	if len(fields) > MaxFields {
		return fmt.Errorf("too many fields (max %d)", MaxFields)
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f.Name()] {
			return fmt.Errorf("duplicate field name: %s", f.Name())
		}
		seen[f.Name()] = true
	}
	return nil
}

// New validates and creates a PENDING index without a physical id.
func New(name string, fields []field.Field, owner string, guestReadable bool) (Index, error) {
	if err := ValidateName(name); err != nil {
		return Index{}, err
	}
	if err := validateFields(fields); err != nil {
		return Index{}, err
	}
	return Index{
		name:          name,
		fields:        sortedCopy(fields),
		owner:         owner,
		guestReadable: guestReadable,
		createdAt:     time.Now().UnixMilli(),
		state:         StatePending,
	}, nil
}

// Reconstruct creates an Index without validation (storage hydration).
func Reconstruct(
	name, physicalID string, fields []field.Field, owner string,
	guestReadable bool, createdAt int64, state State, version int64,
) Index {
	return Index{
		name:          name,
		physicalID:    physicalID,
		fields:        sortedCopy(fields),
		owner:         owner,
		guestReadable: guestReadable,
		createdAt:     createdAt,
		state:         state,
		version:       version,
	}
}

// Name returns the logical name.
func (i Index) Name() string { return i.name }

// PhysicalID returns the engine index identifier.
func (i Index) PhysicalID() string { return i.physicalID }

// Fields returns the schema ordered by field name.
func (i Index) Fields() []field.Field { return i.fields }

// Owner returns the subject that created the index.
func (i Index) Owner() string { return i.owner }

// GuestReadable reports whether anonymous and unassigned subjects may read.
func (i Index) GuestReadable() bool { return i.guestReadable }

// CreatedAt returns the creation timestamp (unix millis).
func (i Index) CreatedAt() int64 { return i.createdAt }

// State returns the lifecycle state.
func (i Index) State() State { return i.state }

// Version returns the optimistic concurrency version. Zero means never stored.
func (i Index) Version() int64 { return i.version }

// IsActive reports whether the index is fully created and not being deleted.
func (i Index) IsActive() bool { return i.state == StateActive }

// SoftDeleted reports whether a delete sequence has started.
func (i Index) SoftDeleted() bool { return i.state.Deleting() }

// Field looks up a schema entry by name.
func (i Index) Field(name string) (field.Field, bool) {
	n := sort.Search(len(i.fields), func(k int) bool { return i.fields[k].Name() >= name })
	if n < len(i.fields) && i.fields[n].Name() == name {
		return i.fields[n], true
	}
	return field.Field{}, false
}

// WithPhysicalID returns a copy bound to an engine index.
func (i Index) WithPhysicalID(id string) Index {
	i.physicalID = id
	return i
}

// WithState returns a copy in a new lifecycle state.
func (i Index) WithState(s State) Index {
	i.state = s
	return i
}

// WithVersion returns a copy carrying the stored version.
func (i Index) WithVersion(v int64) Index {
	i.version = v
	return i
}

// WithGuestReadable returns a copy with a different guest flag.
func (i Index) WithGuestReadable(b bool) Index {
	i.guestReadable = b
	return i
}

// SchemaChange describes the effect of merging fields into a schema.
type SchemaChange struct {
	Added             []field.Field
	VisibilityChanged []field.Field
}

// Empty reports whether the merge changed nothing.
func (c SchemaChange) Empty() bool { return len(c.Added) == 0 && len(c.VisibilityChanged) == 0 }

// MergeFields adds new fields to the schema. Existing fields keep their type:
// a different type fails with ErrSchemaConflict, a different visibility is updated.
func (i Index) MergeFields(newFields []field.Field) (Index, SchemaChange, error) {
	var change SchemaChange
	merged := make(map[string]field.Field, len(i.fields)+len(newFields))
	for _, f := range i.fields {
		merged[f.Name()] = f
	}
	for _, nf := range newFields {
		cur, ok := merged[nf.Name()]
		if !ok {
			merged[nf.Name()] = nf
			change.Added = append(change.Added, nf)
			continue
		}
		if cur.FieldType() != nf.FieldType() || cur.Dimensions() != nf.Dimensions() {
			return Index{}, SchemaChange{}, fmt.Errorf("field %q is %s, cannot change to %s: %w",
				nf.Name(), cur.FieldType(), nf.FieldType(), domain.ErrSchemaConflict)
		}
		if cur.Visibility() != nf.Visibility() {
			merged[nf.Name()] = cur.WithVisibility(nf.Visibility())
			change.VisibilityChanged = append(change.VisibilityChanged, nf)
		}
	}
	if len(merged) > MaxFields {
		return Index{}, SchemaChange{}, fmt.Errorf("too many fields (max %d): %w", MaxFields, domain.ErrInvalidField)
	}
	out := make([]field.Field, 0, len(merged))
	for _, f := range merged {
		out = append(out, f)
	}
	i.fields = sortedCopy(out)
	return i, change, nil
}

// SameSchema reports whether fields describe exactly this index's schema.
func (i Index) SameSchema(fields []field.Field) bool {
	if len(fields) != len(i.fields) {
		return false
	}
	for _, f := range fields {
		cur, ok := i.Field(f.Name())
		if !ok || cur != f {
			return false
		}
	}
	return true
}

// View is an index together with the level a subject holds on it.
type View struct {
	Index Index
	Level role.Level
}

// Combine merges the schemas of several indices for a query spanning all of
// them. A field survives only if every index holding it shows it at that
// index's level; surviving fields are public in the result. A field typed
// differently across indices becomes keyword. The result is ACTIVE, guest
// readable only if every index is, and has no physical id.
func Combine(name string, views []View) Index {
	merged := make(map[string]field.Field)
	hidden := make(map[string]bool)
	guest := len(views) > 0
	for _, v := range views {
		guest = guest && v.Index.GuestReadable()
		for _, f := range v.Index.Fields() {
			if !f.VisibleTo(v.Level) {
				hidden[f.Name()] = true
				continue
			}
			cur, ok := merged[f.Name()]
			switch {
			case !ok:
				merged[f.Name()] = field.Reconstruct(f.Name(), f.FieldType(), field.Public, f.Dimensions())
			case cur.FieldType() != f.FieldType() || cur.Dimensions() != f.Dimensions():
				merged[f.Name()] = field.Reconstruct(f.Name(), field.Keyword, field.Public, 0)
			}
		}
	}
	fields := make([]field.Field, 0, len(merged))
	for n, f := range merged {
		if !hidden[n] {
			fields = append(fields, f)
		}
	}
	return Reconstruct(name, "", fields, "", guest, 0, StateActive, 0)
}

func sortedCopy(fields []field.Field) []field.Field {
	out := make([]field.Field, len(fields))
	copy(out, fields)
	sort.Slice(out, func(a, b int) bool { return out[a].Name() < out[b].Name() })
	return out
}
