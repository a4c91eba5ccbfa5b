package lifecycle

import (
	"context"
	"time"

	"github.com/kailas-cloud/amcat/internal/db"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
)

// Registry is the durable record of every index and its lifecycle state.
type Registry interface {
	Register(ctx context.Context, idx index.Index) (index.Index, error)
	Get(ctx context.Context, name string) (index.Index, error)
	Save(ctx context.Context, idx index.Index) (index.Index, error)
	Purge(ctx context.Context, name string, expectedVersion int64) error
	Unfinished(ctx context.Context) ([]index.Index, error)
}

// RoleStore grants and revokes index roles.
type RoleStore interface {
	Put(ctx context.Context, a role.Assignment, expected int64) (role.Assignment, error)
	Delete(ctx context.Context, idx, subject string, expected int64) error
	ListByIndex(ctx context.Context, idx string) ([]role.Assignment, error)
}

// IndexEngine manages physical indices.
type IndexEngine interface {
	CreateIndex(ctx context.Context, physicalID string, fields []engine.Field) error
	DeleteIndex(ctx context.Context, physicalID string) error
	GetMapping(ctx context.Context, physicalID string) ([]engine.Field, error)
}

// Locker serializes lifecycle sequences across processes.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (db.Unlock, error)
}
