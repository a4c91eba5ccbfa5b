package health

import "context"

// Pinger checks availability of a required backend: the metadata store or
// the search engine.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EmbeddingChecker checks embedding provider availability.
type EmbeddingChecker interface {
	HealthCheck(ctx context.Context) error
}
