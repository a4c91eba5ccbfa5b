package engine

import (
	"errors"
	"fmt"

	"github.com/kailas-cloud/amcat/internal/domain"
)

// Sentinel errors. Each wraps the matching domain error so that callers can
// classify failures without importing this package.
var (
	ErrIndexExists      = fmt.Errorf("engine: index exists: %w", domain.ErrAlreadyExists)
	ErrIndexNotFound    = fmt.Errorf("engine: index not found: %w", domain.ErrNotFound)
	ErrDocumentNotFound = fmt.Errorf("engine: document not found: %w", domain.ErrNotFound)
	ErrDocumentRejected = fmt.Errorf("engine: document rejected: %w", domain.ErrInvalidField)
	ErrMalformedQuery   = fmt.Errorf("engine: malformed request: %w", domain.ErrInvalidRequest)
	ErrTooManyBuckets   = fmt.Errorf("engine: bucket limit exceeded: %w", domain.ErrQueryTooExpensive)
	// ErrUnavailable is the only retryable class.
	ErrUnavailable = fmt.Errorf("engine: unavailable: %w", domain.ErrEngineUnavailable)
	ErrTimeout     = fmt.Errorf("engine: timeout: %w", domain.ErrEngineUnavailable)
)

// Op constants name driver operations for error context and metrics.
const (
	OpPing           = "ping"
	OpCreateIndex    = "create_index"
	OpDeleteIndex    = "delete_index"
	OpPutFields      = "put_fields"
	OpGetMapping     = "get_mapping"
	OpRefresh        = "refresh"
	OpIndexDocuments = "index_documents"
	OpGetDocument    = "get_document"
	OpUpdateDocument = "update_document"
	OpDeleteDocument = "delete_document"
	OpSearch         = "search"
	OpAggregate      = "aggregate"
	OpUpdateTags     = "update_tags"
)

// Error wraps an underlying error with the operation and physical index.
type Error struct {
	Op    string
	Index string
	Err   error
}

func (e *Error) Error() string {
	if e.Index == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Index + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches op and index to err; nil stays nil.
func Wrap(op, index string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Index: index, Err: err}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool { return errors.Is(err, ErrUnavailable) }
