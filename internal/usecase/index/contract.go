package index

import (
	"context"

	"github.com/kailas-cloud/amcat/internal/domain"
	domindex "github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
	"github.com/kailas-cloud/amcat/internal/repository/registry"
)

// Registry reads and updates index records.
type Registry interface {
	Lookup(ctx context.Context, name string) (domindex.Index, error)
	List(ctx context.Context, f registry.ListFilter) ([]domindex.Index, error)
	Save(ctx context.Context, idx domindex.Index) (domindex.Index, error)
	UpdateSchema(
		ctx context.Context, name string, fields []field.Field, expectedVersion int64,
	) (domindex.Index, domindex.SchemaChange, error)
}

// Lifecycle runs the create and delete sequences and lends their lock to
// role changes.
type Lifecycle interface {
	Create(ctx context.Context, idx domindex.Index) (domindex.Index, error)
	Delete(ctx context.Context, name string) error
	WithIndexLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Authorizer resolves and checks effective roles.
type Authorizer interface {
	Level(ctx context.Context, s domain.Subject, idx domindex.Index) (role.Level, error)
	Authorize(ctx context.Context, s domain.Subject, idx domindex.Index, op role.Operation) (role.Level, error)
	AuthorizeGlobal(ctx context.Context, s domain.Subject, name string, op role.Operation) (role.Level, error)
}

// RoleStore manages per-index assignments.
type RoleStore interface {
	Put(ctx context.Context, a role.Assignment, expected int64) (role.Assignment, error)
	Delete(ctx context.Context, idx, subject string, expected int64) error
	ListByIndex(ctx context.Context, idx string) ([]role.Assignment, error)
}

// MappingUpdater extends the physical mapping.
type MappingUpdater interface {
	PutFields(ctx context.Context, physicalID string, fields []engine.Field) error
}
