package index

import (
	"context"
	"testing"

	"github.com/kailas-cloud/amcat/internal/domain"
	domindex "github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
	"github.com/kailas-cloud/amcat/internal/repository/registry"
)

type mockRegistry struct {
	lookupFn       func(ctx context.Context, name string) (domindex.Index, error)
	listFn         func(ctx context.Context, f registry.ListFilter) ([]domindex.Index, error)
	saveFn         func(ctx context.Context, idx domindex.Index) (domindex.Index, error)
	updateSchemaFn func(ctx context.Context, name string, fields []field.Field, expected int64) (domindex.Index, domindex.SchemaChange, error)
}

func (m *mockRegistry) Lookup(ctx context.Context, name string) (domindex.Index, error) {
	return m.lookupFn(ctx, name)
}

func (m *mockRegistry) List(ctx context.Context, f registry.ListFilter) ([]domindex.Index, error) {
	return m.listFn(ctx, f)
}

func (m *mockRegistry) Save(ctx context.Context, idx domindex.Index) (domindex.Index, error) {
	if m.saveFn != nil {
		return m.saveFn(ctx, idx)
	}
	return idx.WithVersion(idx.Version() + 1), nil
}

func (m *mockRegistry) UpdateSchema(
	ctx context.Context, name string, fields []field.Field, expected int64,
) (domindex.Index, domindex.SchemaChange, error) {
	return m.updateSchemaFn(ctx, name, fields, expected)
}

type mockLifecycle struct {
	createFn func(ctx context.Context, idx domindex.Index) (domindex.Index, error)
	deleteFn func(ctx context.Context, name string) error
	lockFn   func(name string) error
	held     string
}

func (m *mockLifecycle) Create(ctx context.Context, idx domindex.Index) (domindex.Index, error) {
	return m.createFn(ctx, idx)
}

func (m *mockLifecycle) Delete(ctx context.Context, name string) error {
	return m.deleteFn(ctx, name)
}

// WithIndexLock records the held name while fn runs.
func (m *mockLifecycle) WithIndexLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if m.lockFn != nil {
		if err := m.lockFn(name); err != nil {
			return err
		}
	}
	m.held = name
	defer func() { m.held = "" }()
	return fn(ctx)
}

// levelAuth grants fixed levels per subject, mirroring the access rules.
type levelAuth struct {
	levels map[string]role.Level
	err    error
}

func (a *levelAuth) level(s domain.Subject, idx domindex.Index) role.Level {
	l := role.Max(a.levels[s.ID], s.GlobalRole)
	if idx.GuestReadable() {
		l = role.Max(l, role.Reader)
	}
	return l
}

func (a *levelAuth) Level(_ context.Context, s domain.Subject, idx domindex.Index) (role.Level, error) {
	if a.err != nil {
		return role.None, a.err
	}
	return a.level(s, idx), nil
}

func (a *levelAuth) Authorize(_ context.Context, s domain.Subject, idx domindex.Index, op role.Operation) (role.Level, error) {
	if a.err != nil {
		return role.None, a.err
	}
	l := a.level(s, idx)
	if !l.Allows(role.RequiredLevel(op)) {
		return l, domain.WrapOp(idx.Name(), string(op), domain.ErrForbidden)
	}
	return l, nil
}

func (a *levelAuth) AuthorizeGlobal(_ context.Context, s domain.Subject, name string, op role.Operation) (role.Level, error) {
	if !s.GlobalRole.Allows(role.RequiredLevel(op)) {
		return s.GlobalRole, domain.WrapOp(name, string(op), domain.ErrForbidden)
	}
	return s.GlobalRole, nil
}

type mockRoles struct {
	putFn    func(ctx context.Context, a role.Assignment, expected int64) (role.Assignment, error)
	deleteFn func(ctx context.Context, idx, subject string, expected int64) error
	listFn   func(ctx context.Context, idx string) ([]role.Assignment, error)
}

func (m *mockRoles) Put(ctx context.Context, a role.Assignment, expected int64) (role.Assignment, error) {
	return m.putFn(ctx, a, expected)
}

func (m *mockRoles) Delete(ctx context.Context, idx, subject string, expected int64) error {
	return m.deleteFn(ctx, idx, subject, expected)
}

func (m *mockRoles) ListByIndex(ctx context.Context, idx string) ([]role.Assignment, error) {
	return m.listFn(ctx, idx)
}

type mockMapping struct {
	putFieldsFn func(ctx context.Context, physicalID string, fields []engine.Field) error
}

func (m *mockMapping) PutFields(ctx context.Context, physicalID string, fields []engine.Field) error {
	if m.putFieldsFn == nil {
		return nil
	}
	return m.putFieldsFn(ctx, physicalID, fields)
}

var (
	alice = domain.Subject{ID: "alice", GlobalRole: role.Writer}
	bob   = domain.Subject{ID: "bob"}
	root  = domain.Subject{ID: "root", GlobalRole: role.Admin}
)

func activeIndex(name string, guest bool, version int64) domindex.Index {
	return domindex.Reconstruct(name, "amcat_"+name+"-x", []field.Field{
		field.Reconstruct("title", field.Text, field.Public, 0),
		field.Reconstruct("source", field.Keyword, field.Metadata, 0),
		field.Reconstruct("notes", field.Text, field.AdminOnly, 0),
	}, "alice", guest, 0, domindex.StateActive, version)
}

func lookupOf(indices ...domindex.Index) func(context.Context, string) (domindex.Index, error) {
	return func(_ context.Context, name string) (domindex.Index, error) {
		for _, idx := range indices {
			if idx.Name() == name {
				return idx, nil
			}
		}
		return domindex.Index{}, domain.ErrNotFound
	}
}

type fixture struct {
	svc       *Service
	registry  *mockRegistry
	lifecycle *mockLifecycle
	auth      *levelAuth
	roles     *mockRoles
	mapping   *mockMapping
}

func newFixture(t *testing.T, indices ...domindex.Index) *fixture {
	t.Helper()
	f := &fixture{
		registry:  &mockRegistry{lookupFn: lookupOf(indices...)},
		lifecycle: &mockLifecycle{},
		auth:      &levelAuth{levels: map[string]role.Level{}},
		roles:     &mockRoles{},
		mapping:   &mockMapping{},
	}
	f.svc = New(f.registry, f.lifecycle, f.auth, f.roles, f.mapping)
	return f
}
