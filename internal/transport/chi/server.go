// Package chi exposes the use cases over HTTP with a chi router.
package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	gochi "github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kailas-cloud/amcat/internal/db"
	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
	analysisuc "github.com/kailas-cloud/amcat/internal/usecase/analysis"
	documentuc "github.com/kailas-cloud/amcat/internal/usecase/document"
	healthuc "github.com/kailas-cloud/amcat/internal/usecase/health"
	indexuc "github.com/kailas-cloud/amcat/internal/usecase/index"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 10 << 20

// Services groups the use cases the server exposes.
type Services struct {
	Indices   IndexService
	Documents DocumentService
	Query     QueryService
	Analysis  AnalysisService
	Health    HealthService
}

// Server holds the HTTP handlers.
type Server struct {
	svc          Services
	maxBodyBytes int64
}

// NewServer creates an HTTP API server. maxBodyBytes bounds request
// bodies; zero uses DefaultMaxBodyBytes.
func NewServer(svc Services, maxBodyBytes int64) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{svc: svc, maxBodyBytes: maxBodyBytes}
}

// Routes mounts every endpoint on r.
func (s *Server) Routes(r gochi.Router) {
	r.Get("/health", s.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/indices", func(r gochi.Router) {
		r.Get("/", s.ListIndices)
		r.Post("/", s.CreateIndex)
		r.Route("/{index}", func(r gochi.Router) {
			r.Get("/", s.GetIndex)
			r.Patch("/", s.UpdateIndex)
			r.Delete("/", s.DeleteIndex)

			r.Get("/fields", s.GetFields)
			r.Post("/fields", s.AddFields)
			r.Get("/fields/{field}/values", s.FieldValues)

			r.Get("/roles", s.ListRoles)
			r.Put("/roles/{subject}", s.GrantRole)
			r.Delete("/roles/{subject}", s.RevokeRole)

			r.Post("/documents", s.UploadDocuments)
			r.Get("/documents/{id}", s.GetDocument)
			r.Put("/documents/{id}", s.UpdateDocument)
			r.Delete("/documents/{id}", s.DeleteDocument)

			r.Post("/tags", s.UpdateTags)
			r.Post("/query", s.Query)
			r.Post("/aggregate", s.Aggregate)
			r.Post("/analysis", s.RunAnalysis)
		})
	})
}

// Handler returns a router with the routes mounted and no middleware.
func (s *Server) Handler() http.Handler {
	r := gochi.NewRouter()
	s.Routes(r)
	return r
}

// pathParam binds a simple-style path parameter the way generated routers do.
func pathParam(r *http.Request, name string) (string, error) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", name, gochi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", fmt.Errorf("invalid path parameter %s: %w", name, err)
	}
	return v, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	return s.decodeBody(w, r, dst, false)
}

// decodeDocuments keeps document numbers as json.Number so long fields
// are coerced without passing through float64.
func (s *Server) decodeDocuments(w http.ResponseWriter, r *http.Request, dst any) error {
	return s.decodeBody(w, r, dst, true)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, numbers bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if numbers {
		dec.UseNumber()
	}
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// ifMatch reads the version from If-Match. ok is false when the header is absent.
func ifMatch(r *http.Request) (version int64, ok bool, err error) {
	h := strings.TrimSpace(r.Header.Get("If-Match"))
	if h == "" {
		return 0, false, nil
	}
	if h == "*" {
		return db.VersionAny, true, nil
	}
	h = strings.Trim(strings.TrimPrefix(h, "W/"), `"`)
	v, err := strconv.ParseInt(h, 10, 64)
	if err != nil || v <= 0 {
		return 0, false, fmt.Errorf("If-Match must carry a positive version, got %q", r.Header.Get("If-Match"))
	}
	return v, true, nil
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.svc.Health.Check(r.Context())
	status := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": report.Status, "checks": report.Checks})
}

// ListIndices handles GET /indices.
func (s *Server) ListIndices(w http.ResponseWriter, r *http.Request) {
	var req indexuc.ListRequest
	q := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "prefix", q, &req.Prefix); err != nil {
		badRequest(w, r, "invalid prefix: "+err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", q, &req.Limit); err != nil {
		badRequest(w, r, "invalid limit: "+err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "cursor", q, &req.Cursor); err != nil {
		badRequest(w, r, "invalid cursor: "+err.Error())
		return
	}

	res, err := s.svc.Indices.List(r.Context(), SubjectFromContext(r.Context()), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	out := IndexListResponse{Items: make([]IndexResponse, len(res.Items)), NextCursor: res.NextCursor}
	for i, info := range res.Items {
		out.Items[i] = indexToResponse(info)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateIndex handles POST /indices.
func (s *Server) CreateIndex(w http.ResponseWriter, r *http.Request) {
	var req CreateIndexRequest
	if err := s.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Name == "" {
		badRequest(w, r, "index name is required")
		return
	}
	fields, err := fieldsFromRequest(req.Fields)
	if err != nil {
		handleDomainError(w, r, domain.WrapOp(req.Name, string(role.OpCreateIndex), err))
		return
	}
	info, err := s.svc.Indices.Create(r.Context(), SubjectFromContext(r.Context()), req.Name, fields, req.GuestReadable)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(info.Index.Version()))
	writeJSON(w, http.StatusCreated, indexToResponse(info))
}

// GetIndex handles GET /indices/{index}.
func (s *Server) GetIndex(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	info, err := s.svc.Indices.Get(r.Context(), SubjectFromContext(r.Context()), name)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(info.Index.Version()))
	writeJSON(w, http.StatusOK, indexToResponse(info))
}

// UpdateIndex handles PATCH /indices/{index}.
func (s *Server) UpdateIndex(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	version, _, err := ifMatch(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var req UpdateIndexRequest
	if err := s.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.GuestReadable == nil {
		badRequest(w, r, "guest_readable is required")
		return
	}
	info, err := s.svc.Indices.SetGuestReadable(r.Context(), SubjectFromContext(r.Context()), name, *req.GuestReadable, version)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(info.Index.Version()))
	writeJSON(w, http.StatusOK, indexToResponse(info))
}

// DeleteIndex handles DELETE /indices/{index}.
func (s *Server) DeleteIndex(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.svc.Indices.Delete(r.Context(), SubjectFromContext(r.Context()), name); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetFields handles GET /indices/{index}/fields.
func (s *Server) GetFields(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	fields, err := s.svc.Indices.Schema(r.Context(), SubjectFromContext(r.Context()), name)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": fieldsToResponse(fields)})
}

// AddFields handles POST /indices/{index}/fields.
func (s *Server) AddFields(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	version, _, err := ifMatch(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var req AddFieldsRequest
	if err := s.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	fields, err := fieldsFromRequest(req.Fields)
	if err != nil {
		handleDomainError(w, r, domain.WrapOp(name, string(role.OpAddFields), err))
		return
	}
	info, err := s.svc.Indices.AddFields(r.Context(), SubjectFromContext(r.Context()), name, fields, version)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(info.Index.Version()))
	writeJSON(w, http.StatusOK, map[string]any{"fields": fieldsToResponse(info.VisibleFields())})
}

// FieldValues handles GET /indices/{index}/fields/{field}/values.
func (s *Server) FieldValues(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	fieldName, err := pathParam(r, "field")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	values, err := s.svc.Query.FieldValues(r.Context(), SubjectFromContext(r.Context()), name, fieldName)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if values == nil {
		values = []any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": values})
}

// ListRoles handles GET /indices/{index}/roles.
func (s *Server) ListRoles(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	roles, err := s.svc.Indices.ListRoles(r.Context(), SubjectFromContext(r.Context()), name)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	out := make([]RoleResponse, len(roles))
	for i, a := range roles {
		out[i] = roleToResponse(a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

// GrantRole handles PUT /indices/{index}/roles/{subject}. If-Match guards
// an existing assignment, If-None-Match: * requires a new one.
func (s *Server) GrantRole(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	target, err := pathParam(r, "subject")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	expected, ok, err := ifMatch(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if !ok {
		expected = db.VersionAny
		if strings.TrimSpace(r.Header.Get("If-None-Match")) == "*" {
			expected = db.VersionAbsent
		}
	}
	var req GrantRoleRequest
	if err := s.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	lvl, err := role.Parse(req.Role)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	a, err := s.svc.Indices.GrantRole(r.Context(), SubjectFromContext(r.Context()), name, target, lvl, expected)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(a.Version))
	writeJSON(w, http.StatusOK, roleToResponse(a))
}

// RevokeRole handles DELETE /indices/{index}/roles/{subject}.
func (s *Server) RevokeRole(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	target, err := pathParam(r, "subject")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	expected, ok, err := ifMatch(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if !ok {
		expected = db.VersionAny
	}
	if err := s.svc.Indices.RevokeRole(r.Context(), SubjectFromContext(r.Context()), name, target, expected); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadDocuments handles POST /indices/{index}/documents. A partial
// failure answers 207 with every item's outcome.
func (s *Server) UploadDocuments(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var req UploadRequest
	if err := s.decodeDocuments(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := s.svc.Documents.Upload(r.Context(), SubjectFromContext(r.Context()), name, req.Documents)
	if err != nil && (res == nil || !errors.Is(err, domain.ErrPartialWriteFailure)) {
		handleDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
		if info := requestInfoFrom(r.Context()); info != nil {
			info.code = CodePartialWriteFailure
		}
	}
	writeJSON(w, status, UploadResponse{
		Items:       batchItems(res.Items),
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		FieldsAdded: res.FieldsAdded,
	})
}

// GetDocument handles GET /indices/{index}/documents/{id}?fields=a,b.
func (s *Server) GetDocument(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id, err := pathParam(r, "id")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var fields []string
	if err := runtime.BindQueryParameter("form", false, false, "fields", r.URL.Query(), &fields); err != nil {
		badRequest(w, r, "invalid fields: "+err.Error())
		return
	}
	doc, err := s.svc.Documents.Get(r.Context(), SubjectFromContext(r.Context()), name, id, fields)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	out := make(map[string]any, len(doc.Fields())+1)
	for k, v := range doc.Fields() {
		out[k] = v
	}
	out["_id"] = doc.ID()
	writeJSON(w, http.StatusOK, out)
}

// UpdateDocument handles PUT /indices/{index}/documents/{id}.
func (s *Server) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id, err := pathParam(r, "id")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var raw map[string]any
	if err := s.decodeDocuments(w, r, &raw); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.svc.Documents.Update(r.Context(), SubjectFromContext(r.Context()), name, id, raw); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteDocument handles DELETE /indices/{index}/documents/{id}.
func (s *Server) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id, err := pathParam(r, "id")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.svc.Documents.Delete(r.Context(), SubjectFromContext(r.Context()), name, id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateTags handles POST /indices/{index}/tags.
func (s *Server) UpdateTags(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var req TagRequest
	if err := s.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	spec, err := req.spec()
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	n, err := s.svc.Documents.UpdateTags(r.Context(), SubjectFromContext(r.Context()), name, documentuc.TagRequest{
		Query:  spec,
		Field:  req.Field,
		Action: engine.TagAction(req.Action),
		Value:  req.Tag,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

// Query handles POST /indices/{index}/query.
func (s *Server) Query(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var req QueryRequest
	if err := s.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	spec, err := req.spec()
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := s.svc.Query.Search(r.Context(), SubjectFromContext(r.Context()), name, spec)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryToResponse(res))
}

// Aggregate handles POST /indices/{index}/aggregate.
func (s *Server) Aggregate(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var req QueryRequest
	if err := s.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Aggregation == nil {
		badRequest(w, r, "aggregation is required")
		return
	}
	spec, err := req.spec()
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := s.svc.Query.Aggregate(r.Context(), SubjectFromContext(r.Context()), name, spec)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregationToResponse(res))
}

// RunAnalysis handles POST /indices/{index}/analysis.
func (s *Server) RunAnalysis(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "index")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var req AnalysisRequest
	if err := s.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	spec, err := req.spec()
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := s.svc.Analysis.Run(r.Context(), SubjectFromContext(r.Context()), name, analysisuc.Request{
		SourceField: req.SourceField,
		TargetField: req.TargetField,
		Queries:     spec.Queries,
		Filters:     spec.Filters,
		Overwrite:   req.Overwrite,
	})
	if err != nil && (res == nil || !errors.Is(err, domain.ErrPartialWriteFailure)) {
		handleDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	if u := domain.UsageFromContext(r.Context()); u != nil && u.Calls > 0 {
		w.Header().Set("X-Embedding-Tokens", strconv.Itoa(u.TotalTokens))
	}
	writeJSON(w, status, AnalysisResponse{
		Items:     batchItems(res.Items),
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
	})
}
