// Package elastic drives an Elasticsearch 8 cluster through the official
// client's typed esapi requests.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/kailas-cloud/amcat/internal/engine"
)

// Compile-time check: Engine implements engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// Config holds cluster connection parameters.
type Config struct {
	Addrs    []string
	Username string
	Password string
	APIKey   string
	// Refresh is passed to write requests: "", "false", "true" or "wait_for".
	Refresh string
	// CompositePageSize is the page size used when walking composite aggregations.
	CompositePageSize int
}

// Engine implements engine.Engine for Elasticsearch.
type Engine struct {
	tr       esapi.Transport
	refresh  string
	pageSize int
}

// New connects to the cluster. Client-side retries are disabled; the
// engine.Resilient decorator owns the retry policy.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		APIKey:       cfg.APIKey,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return NewWithTransport(client, cfg), nil
}

// NewWithTransport builds an Engine over any esapi transport.
func NewWithTransport(tr esapi.Transport, cfg Config) *Engine {
	if cfg.CompositePageSize <= 0 {
		cfg.CompositePageSize = 500
	}
	return &Engine{tr: tr, refresh: cfg.Refresh, pageSize: cfg.CompositePageSize}
}

// Ping checks cluster connectivity.
func (e *Engine) Ping(ctx context.Context) error {
	res, err := esapi.PingRequest{}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return engine.Wrap(engine.OpPing, "", err)
	}
	closeBody(res)
	return nil
}

// Close releases nothing; the HTTP transport is shared and idle connections expire.
func (e *Engine) Close() error { return nil }

// errorBody is the error envelope returned by Elasticsearch.
type errorBody struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// classify turns a transport error or a non-2xx response into an engine
// sentinel. On success it returns nil and leaves the body unread.
func classify(res *esapi.Response, err error) error {
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: %w", engine.ErrTimeout, err)
		case errors.Is(err, context.Canceled):
			return err
		default:
			return fmt.Errorf("%w: %w", engine.ErrUnavailable, err)
		}
	}
	if res == nil {
		return fmt.Errorf("%w: empty response", engine.ErrUnavailable)
	}
	if !res.IsError() {
		return nil
	}
	defer closeBody(res)

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	reason := body.Error.Reason
	if reason == "" {
		reason = http.StatusText(res.StatusCode)
	}

	switch {
	case body.Error.Type == "index_not_found_exception":
		return fmt.Errorf("%w: %s", engine.ErrIndexNotFound, reason)
	case body.Error.Type == "resource_already_exists_exception":
		return fmt.Errorf("%w: %s", engine.ErrIndexExists, reason)
	case res.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", engine.ErrDocumentNotFound, reason)
	case res.StatusCode == http.StatusRequestTimeout || res.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", engine.ErrTimeout, reason)
	case res.StatusCode == http.StatusTooManyRequests ||
		res.StatusCode == http.StatusBadGateway ||
		res.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d: %s", engine.ErrUnavailable, res.StatusCode, reason)
	case res.StatusCode == http.StatusBadRequest:
		return &typedError{kind: body.Error.Type, err: fmt.Errorf("%w: %s", engine.ErrMalformedQuery, reason)}
	default:
		return fmt.Errorf("elasticsearch status %d: %s: %s", res.StatusCode, body.Error.Type, reason)
	}
}

// typedError keeps the Elasticsearch error type for callers that refine it.
type typedError struct {
	kind string
	err  error
}

func (e *typedError) Error() string { return e.err.Error() }
func (e *typedError) Unwrap() error { return e.err }

func errorKind(err error) string {
	var te *typedError
	if errors.As(err, &te) {
		return te.kind
	}
	return ""
}

func decode(res *esapi.Response, out any) error {
	defer closeBody(res)
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}

func jsonBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return bytes.NewReader(data), nil
}

func timeoutParam(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
