package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/metrics"
)

type stubEngine struct {
	Engine
	search      func(ctx context.Context, physicalID string, q *Query) (*SearchResult, error)
	createIndex func(ctx context.Context, physicalID string, fields []Field) error
}

func (s *stubEngine) Search(ctx context.Context, physicalID string, q *Query) (*SearchResult, error) {
	return s.search(ctx, physicalID, q)
}

func (s *stubEngine) CreateIndex(ctx context.Context, physicalID string, fields []Field) error {
	return s.createIndex(ctx, physicalID, fields)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestResilient_RetriesUnavailable(t *testing.T) {
	calls := 0
	inner := &stubEngine{search: func(context.Context, string, *Query) (*SearchResult, error) {
		calls++
		if calls < 3 {
			return nil, Wrap(OpSearch, "idx", fmt.Errorf("%w: connection refused", ErrUnavailable))
		}
		return &SearchResult{Total: 5}, nil
	}}
	before := testutil.ToFloat64(metrics.EngineRetriesTotal.WithLabelValues(OpSearch))

	res, err := NewResilient(inner, fastRetry(), nil).Search(context.Background(), "idx", &Query{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 5 || calls != 3 {
		t.Errorf("total=%d calls=%d", res.Total, calls)
	}
	if got := testutil.ToFloat64(metrics.EngineRetriesTotal.WithLabelValues(OpSearch)) - before; got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
}

func TestResilient_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	inner := &stubEngine{search: func(context.Context, string, *Query) (*SearchResult, error) {
		calls++
		return nil, ErrUnavailable
	}}

	_, err := NewResilient(inner, fastRetry(), nil).Search(context.Background(), "idx", &Query{})
	if !errors.Is(err, domain.ErrEngineUnavailable) {
		t.Fatalf("expected engine unavailable, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestResilient_DoesNotRetryOtherErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"malformed", ErrMalformedQuery},
		{"index exists", ErrIndexExists},
		{"timeout", ErrTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			inner := &stubEngine{createIndex: func(context.Context, string, []Field) error {
				calls++
				return tc.err
			}}
			err := NewResilient(inner, fastRetry(), nil).CreateIndex(context.Background(), "idx", nil)
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
		})
	}
}

func TestResilient_RecordsStatus(t *testing.T) {
	inner := &stubEngine{createIndex: func(context.Context, string, []Field) error { return ErrMalformedQuery }}
	before := testutil.ToFloat64(metrics.EngineRequestsTotal.WithLabelValues(OpCreateIndex, "malformed"))

	_ = NewResilient(inner, fastRetry(), nil).CreateIndex(context.Background(), "idx", nil)

	if got := testutil.ToFloat64(metrics.EngineRequestsTotal.WithLabelValues(OpCreateIndex, "malformed")) - before; got != 1 {
		t.Errorf("malformed count delta = %v", got)
	}
}

func TestResilient_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	inner := &stubEngine{search: func(context.Context, string, *Query) (*SearchResult, error) {
		calls++
		cancel()
		return nil, ErrUnavailable
	}}
	cfg := RetryConfig{MaxAttempts: 5, InitialInterval: 50 * time.Millisecond, MaxInterval: 50 * time.Millisecond}

	_, err := NewResilient(inner, cfg, nil).Search(ctx, "idx", &Query{})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
