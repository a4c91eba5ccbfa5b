package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/logger"
)

// Machine-readable error codes.
const (
	CodeNotFound               = "not_found"
	CodeAlreadyExists          = "already_exists"
	CodeForbidden              = "forbidden"
	CodeUnauthorized           = "unauthorized"
	CodeInvalidField           = "invalid_field"
	CodeInvalidFilter          = "invalid_filter"
	CodeQueryTooExpensive      = "query_too_expensive"
	CodeSchemaConflict         = "schema_conflict"
	CodeConcurrentModification = "concurrent_modification"
	CodeEngineUnavailable      = "engine_unavailable"
	CodePartialWriteFailure    = "partial_write_failure"
	CodeLifecycleFailed        = "lifecycle_failed"
	CodeEmbeddingProvider      = "embedding_provider_error"
	CodeNotImplemented         = "not_implemented"
	CodeBadRequest             = "bad_request"
	CodeInternal               = "internal_error"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Index          string `json:"index,omitempty"`
	Operation      string `json:"operation,omitempty"`
	CurrentVersion *int64 `json:"current_version,omitempty"`
	LastStep       string `json:"last_step,omitempty"`
}

// errorKind maps a sentinel to its status and code.
type errorKind struct {
	sentinel error
	status   int
	code     string
}

// errorKinds is checked in order; the lifecycle kind precedes the kinds its
// cause may unwrap to.
var errorKinds = []errorKind{
	{domain.ErrLifecycleFailed, http.StatusInternalServerError, CodeLifecycleFailed},
	{domain.ErrConcurrentModification, http.StatusPreconditionFailed, CodeConcurrentModification},
	{domain.ErrPartialWriteFailure, http.StatusMultiStatus, CodePartialWriteFailure},
	{domain.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{domain.ErrAlreadyExists, http.StatusConflict, CodeAlreadyExists},
	{domain.ErrForbidden, http.StatusForbidden, CodeForbidden},
	{domain.ErrInvalidField, http.StatusBadRequest, CodeInvalidField},
	{domain.ErrInvalidFilter, http.StatusBadRequest, CodeInvalidFilter},
	{domain.ErrQueryTooExpensive, http.StatusUnprocessableEntity, CodeQueryTooExpensive},
	{domain.ErrSchemaConflict, http.StatusConflict, CodeSchemaConflict},
	{domain.ErrEngineUnavailable, http.StatusServiceUnavailable, CodeEngineUnavailable},
	{domain.ErrEmbeddingProviderError, http.StatusBadGateway, CodeEmbeddingProvider},
	{domain.ErrNotImplemented, http.StatusNotImplemented, CodeNotImplemented},
	{domain.ErrInvalidRequest, http.StatusBadRequest, CodeBadRequest},
}

// classify returns the status and code for err; unknown errors are internal.
func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.sentinel) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// errorBody builds the response for a classified error. The message of an
// OpError is its cause, so the index and operation are not repeated.
func errorBody(err error, code string) ErrorResponse {
	body := ErrorResponse{Code: code, Message: err.Error()}
	var oe *domain.OpError
	if errors.As(err, &oe) {
		body.Index = oe.Index
		body.Operation = oe.Op
		body.Message = oe.Err.Error()
	}
	var cme *domain.ConcurrentModificationError
	if errors.As(err, &cme) {
		v := cme.CurrentVersion
		body.CurrentVersion = &v
	}
	var le *domain.LifecycleError
	if errors.As(err, &le) {
		body.LastStep = le.LastStep
		if body.Index == "" {
			body.Index = le.Index
			body.Operation = le.Op
		}
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// handleDomainError writes err as an ErrorResponse. Internal errors are
// logged with their cause and answered with a generic message.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	log := logger.FromContext(r.Context())
	if info := requestInfoFrom(r.Context()); info != nil {
		info.code = code
	}
	if code == CodeInternal {
		log.Error("Internal error", zap.Error(err))
		writeError(w, status, code, "internal error")
		return
	}
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", zap.String("code", code), zap.Error(err))
	} else {
		log.Debug("Request rejected", zap.String("code", code), zap.Error(err))
	}
	body := errorBody(err, code)
	if body.CurrentVersion != nil {
		w.Header().Set("ETag", etag(*body.CurrentVersion))
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	if info := requestInfoFrom(r.Context()); info != nil {
		info.code = CodeBadRequest
	}
	writeError(w, http.StatusBadRequest, CodeBadRequest, message)
}

func etag(version int64) string { return strconv.Quote(strconv.FormatInt(version, 10)) }
