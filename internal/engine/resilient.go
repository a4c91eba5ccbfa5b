package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/kailas-cloud/amcat/internal/metrics"
)

// Compile-time check: Resilient implements Engine.
var _ Engine = (*Resilient)(nil)

// RetryConfig bounds the retries of ErrUnavailable failures.
type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns three attempts starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}
}

// Resilient decorates an Engine with bounded exponential retries for
// unavailability and with request metrics. Every other failure is returned
// on the first attempt.
type Resilient struct {
	inner  Engine
	cfg    RetryConfig
	logger *zap.Logger
}

// NewResilient wraps inner. Zero config fields fall back to DefaultRetryConfig.
func NewResilient(inner Engine, cfg RetryConfig, logger *zap.Logger) *Resilient {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{inner: inner, cfg: cfg, logger: logger}
}

func (r *Resilient) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	return b
}

func call[T any](ctx context.Context, r *Resilient, op, index string, fn func() (T, error)) (T, error) {
	start := time.Now()
	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.EngineRetriesTotal.WithLabelValues(op).Inc()
			r.logger.Warn("Engine unavailable, retrying",
				zap.String("op", op), zap.String("index", index),
				zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	metrics.EngineRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.EngineRequestsTotal.WithLabelValues(op, statusLabel(err)).Inc()
	return res, err
}

func callErr(ctx context.Context, r *Resilient, op, index string, fn func() error) error {
	_, err := call(ctx, r, op, index, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedQuery):
		return "malformed"
	default:
		return "error"
	}
}

// Ping implements Pinger without retries.
func (r *Resilient) Ping(ctx context.Context) error { return r.inner.Ping(ctx) }

// CreateIndex implements IndexManager.
func (r *Resilient) CreateIndex(ctx context.Context, physicalID string, fields []Field) error {
	return callErr(ctx, r, OpCreateIndex, physicalID, func() error {
		return r.inner.CreateIndex(ctx, physicalID, fields)
	})
}

// DeleteIndex implements IndexManager.
func (r *Resilient) DeleteIndex(ctx context.Context, physicalID string) error {
	return callErr(ctx, r, OpDeleteIndex, physicalID, func() error {
		return r.inner.DeleteIndex(ctx, physicalID)
	})
}

// PutFields implements IndexManager.
func (r *Resilient) PutFields(ctx context.Context, physicalID string, fields []Field) error {
	return callErr(ctx, r, OpPutFields, physicalID, func() error {
		return r.inner.PutFields(ctx, physicalID, fields)
	})
}

// GetMapping implements IndexManager.
func (r *Resilient) GetMapping(ctx context.Context, physicalID string) ([]Field, error) {
	return call(ctx, r, OpGetMapping, physicalID, func() ([]Field, error) {
		return r.inner.GetMapping(ctx, physicalID)
	})
}

// Refresh implements IndexManager.
func (r *Resilient) Refresh(ctx context.Context, physicalID string) error {
	return callErr(ctx, r, OpRefresh, physicalID, func() error {
		return r.inner.Refresh(ctx, physicalID)
	})
}

// IndexDocuments implements DocumentStore. Bulk upserts are idempotent per
// document id, so a retried batch cannot duplicate documents.
func (r *Resilient) IndexDocuments(ctx context.Context, physicalID string, docs []Document) ([]ItemOutcome, error) {
	return call(ctx, r, OpIndexDocuments, physicalID, func() ([]ItemOutcome, error) {
		return r.inner.IndexDocuments(ctx, physicalID, docs)
	})
}

// GetDocument implements DocumentStore.
func (r *Resilient) GetDocument(ctx context.Context, physicalID, docID string, fields []string) (Document, error) {
	return call(ctx, r, OpGetDocument, physicalID, func() (Document, error) {
		return r.inner.GetDocument(ctx, physicalID, docID, fields)
	})
}

// UpdateDocument implements DocumentStore.
func (r *Resilient) UpdateDocument(ctx context.Context, physicalID, docID string, fields map[string]any) error {
	return callErr(ctx, r, OpUpdateDocument, physicalID, func() error {
		return r.inner.UpdateDocument(ctx, physicalID, docID, fields)
	})
}

// DeleteDocument implements DocumentStore.
func (r *Resilient) DeleteDocument(ctx context.Context, physicalID, docID string) error {
	return callErr(ctx, r, OpDeleteDocument, physicalID, func() error {
		return r.inner.DeleteDocument(ctx, physicalID, docID)
	})
}

// Search implements Searcher.
func (r *Resilient) Search(ctx context.Context, target string, q *Query) (*SearchResult, error) {
	return call(ctx, r, OpSearch, target, func() (*SearchResult, error) {
		return r.inner.Search(ctx, target, q)
	})
}

// Aggregate implements Searcher.
func (r *Resilient) Aggregate(ctx context.Context, target string, q *AggregateQuery) (*AggregateResult, error) {
	return call(ctx, r, OpAggregate, target, func() (*AggregateResult, error) {
		return r.inner.Aggregate(ctx, target, q)
	})
}

// UpdateTags implements Searcher.
func (r *Resilient) UpdateTags(ctx context.Context, physicalID string, q *Query, u TagUpdate) (int64, error) {
	return call(ctx, r, OpUpdateTags, physicalID, func() (int64, error) {
		return r.inner.UpdateTags(ctx, physicalID, q, u)
	})
}

// Close implements Engine.
func (r *Resilient) Close() error { return r.inner.Close() }
