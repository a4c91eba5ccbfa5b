package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing index, document or role assignment.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists signals a duplicate resource.
	ErrAlreadyExists = errors.New("already exists")
	// ErrForbidden signals that the subject's effective role is below the required level.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidField signals an unknown or unauthorized field, or a value of the wrong type.
	ErrInvalidField = errors.New("invalid field")
	// ErrInvalidFilter signals a constraint that does not fit the field type.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrQueryTooExpensive signals a result window or aggregation over the configured caps.
	ErrQueryTooExpensive = errors.New("query too expensive")
	// ErrSchemaConflict signals an attempt to change the type of a registered field.
	ErrSchemaConflict = errors.New("schema conflict")
	// ErrConcurrentModification signals an optimistic locking conflict.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrEngineUnavailable signals that the search engine could not be reached after retries.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrPartialWriteFailure signals that some items of a bulk write failed.
	ErrPartialWriteFailure = errors.New("partial write failure")
	// ErrLifecycleFailed signals a create/delete sequence that could not complete.
	ErrLifecycleFailed = errors.New("lifecycle failed")
	// ErrInvalidRequest signals a malformed request that fits no other kind.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
	// ErrNotImplemented signals a disabled feature.
	ErrNotImplemented = errors.New("not implemented")
)

// OpError attaches the index name and the attempted operation to an error.
type OpError struct {
	Index string
	Op    string
	Err   error
}

func (e *OpError) Error() string {
	if e.Index == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Index, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// WrapOp wraps err with index and operation. A nil err stays nil and an
// existing OpError is returned as is so the innermost context wins.
func WrapOp(index, op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Index: index, Op: op, Err: err}
}

// ConcurrentModificationError wraps ErrConcurrentModification with the version currently stored.
type ConcurrentModificationError struct {
	CurrentVersion int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("%s: current version is %d", ErrConcurrentModification.Error(), e.CurrentVersion)
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrConcurrentModification }

// NewConcurrentModification creates a concurrent modification error.
func NewConcurrentModification(currentVersion int64) error {
	return &ConcurrentModificationError{CurrentVersion: currentVersion}
}

// LifecycleError reports a failed create/delete sequence and the last step that completed.
type LifecycleError struct {
	Index    string
	Op       string
	LastStep string
	Err      error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s %q failed after step %s: %v", e.Op, e.Index, e.LastStep, e.Err)
}

// Unwrap exposes both the lifecycle sentinel and the cause.
func (e *LifecycleError) Unwrap() []error { return []error{ErrLifecycleFailed, e.Err} }
