package amcat

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kailas-cloud/amcat/internal/domain"
)

// Outcome labels of amcat_sdk_operations_total.
const (
	outcomeOK        = "ok"
	outcomePartial   = "partial"
	outcomeConflict  = "conflict"
	outcomeDenied    = "denied"
	outcomeNotFound  = "not_found"
	outcomeInvalid   = "invalid"
	outcomeLifecycle = "lifecycle"
	outcomeError     = "error"
)

// outcome sorts an operation result into the error kinds callers act on:
// a conflict is retried with a fresh version, a partial write is inspected
// item by item, a lifecycle failure is resumed.
func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, domain.ErrPartialWriteFailure):
		return outcomePartial
	case errors.Is(err, domain.ErrConcurrentModification):
		return outcomeConflict
	case errors.Is(err, domain.ErrForbidden):
		return outcomeDenied
	case errors.Is(err, domain.ErrNotFound):
		return outcomeNotFound
	case errors.Is(err, domain.ErrInvalidField), errors.Is(err, domain.ErrInvalidFilter),
		errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrSchemaConflict),
		errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrQueryTooExpensive):
		return outcomeInvalid
	case errors.Is(err, domain.ErrLifecycleFailed):
		return outcomeLifecycle
	}
	return outcomeError
}

type sdkMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newSDKMetrics(reg prometheus.Registerer) (*sdkMetrics, error) {
	m := &sdkMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amcat",
			Subsystem: "sdk",
			Name:      "operations_total",
			Help:      "SDK operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "amcat",
			Subsystem: "sdk",
			Name:      "operation_duration_seconds",
			Help:      "SDK operation latency, lock waits and engine round trips included.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
	}
	if err := registerOrReuse(reg, &m.operations); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

// registerOrReuse lets several clients in one process share a registry.
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return fmt.Errorf("amcat: register metric: %w", err)
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return fmt.Errorf("amcat: metric already registered as %T", are.ExistingCollector)
	}
	*c = existing
	return nil
}

// observer records every SDK call against an index. Either half may be nil.
type observer struct {
	logger  *slog.Logger
	metrics *sdkMetrics
}

func newObserver(logger *slog.Logger, reg prometheus.Registerer) (*observer, error) {
	o := &observer{logger: logger}
	if reg != nil {
		m, err := newSDKMetrics(reg)
		if err != nil {
			return nil, err
		}
		o.metrics = m
	}
	return o, nil
}

func (o *observer) observe(op, index string, start time.Time, err error) {
	if o == nil {
		return
	}
	dur := time.Since(start)
	out := outcome(err)

	if o.metrics != nil {
		o.metrics.operations.WithLabelValues(op, out).Inc()
		o.metrics.duration.WithLabelValues(op).Observe(dur.Seconds())
	}
	if o.logger == nil {
		return
	}
	attrs := []any{"op", op, "index", index, "outcome", out, "duration", dur}
	switch out {
	case outcomeOK:
		o.logger.Debug("amcat operation completed", attrs...)
	case outcomeDenied, outcomeNotFound, outcomeInvalid, outcomeConflict:
		o.logger.Info("amcat operation rejected", append(attrs, "error", err)...)
	default:
		o.logger.Warn("amcat operation failed", append(attrs, "error", err)...)
	}
}
