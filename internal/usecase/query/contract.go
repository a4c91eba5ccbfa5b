package query

import (
	"context"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
)

// IndexReader resolves ACTIVE indices.
type IndexReader interface {
	Lookup(ctx context.Context, name string) (index.Index, error)
}

// Authorizer checks an operation and returns the effective level.
type Authorizer interface {
	Authorize(ctx context.Context, s domain.Subject, idx index.Index, op role.Operation) (role.Level, error)
}

// Searcher runs translated queries on a physical index.
type Searcher interface {
	Search(ctx context.Context, physicalID string, q *engine.Query) (*engine.SearchResult, error)
	Aggregate(ctx context.Context, physicalID string, q *engine.AggregateQuery) (*engine.AggregateResult, error)
}
