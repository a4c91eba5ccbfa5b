package amcat

import "github.com/kailas-cloud/amcat/internal/domain"

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrNotFound               = domain.ErrNotFound
	ErrAlreadyExists          = domain.ErrAlreadyExists
	ErrForbidden              = domain.ErrForbidden
	ErrInvalidField           = domain.ErrInvalidField
	ErrInvalidFilter          = domain.ErrInvalidFilter
	ErrQueryTooExpensive      = domain.ErrQueryTooExpensive
	ErrSchemaConflict         = domain.ErrSchemaConflict
	ErrConcurrentModification = domain.ErrConcurrentModification
	ErrEngineUnavailable      = domain.ErrEngineUnavailable
	ErrPartialWriteFailure    = domain.ErrPartialWriteFailure
	ErrLifecycleFailed        = domain.ErrLifecycleFailed
	ErrInvalidRequest         = domain.ErrInvalidRequest
	ErrEmbeddingProviderError = domain.ErrEmbeddingProviderError
	ErrNotImplemented         = domain.ErrNotImplemented
)
