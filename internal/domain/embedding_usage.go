package domain

import "context"

type embeddingUsageKey struct{}

// EmbeddingUsage collects the embedding tokens spent while serving one request.
// The HTTP layer puts a pointer into the context, the embedder adds to it
// and the request log line reads it back.
type EmbeddingUsage struct {
	TotalTokens int
	Calls       int
}

// NewContextWithUsage returns a context carrying a fresh usage collector.
func NewContextWithUsage(ctx context.Context) (context.Context, *EmbeddingUsage) {
	u := &EmbeddingUsage{}
	return context.WithValue(ctx, embeddingUsageKey{}, u), u
}

// UsageFromContext returns the collector, or nil when none is set.
func UsageFromContext(ctx context.Context) *EmbeddingUsage {
	u, _ := ctx.Value(embeddingUsageKey{}).(*EmbeddingUsage)
	return u
}

// Add records one provider call. Safe on a nil collector.
func (u *EmbeddingUsage) Add(tokens int) {
	if u != nil {
		u.TotalTokens += tokens
		u.Calls++
	}
}
