package chi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gochi "github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kailas-cloud/amcat/internal/domain"
	domdoc "github.com/kailas-cloud/amcat/internal/domain/document"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	domquery "github.com/kailas-cloud/amcat/internal/domain/query"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	analysisuc "github.com/kailas-cloud/amcat/internal/usecase/analysis"
	documentuc "github.com/kailas-cloud/amcat/internal/usecase/document"
	healthuc "github.com/kailas-cloud/amcat/internal/usecase/health"
	indexuc "github.com/kailas-cloud/amcat/internal/usecase/index"
	queryuc "github.com/kailas-cloud/amcat/internal/usecase/query"
)

type mockIndices struct {
	createFn     func(ctx context.Context, s domain.Subject, name string, fields []field.Field, guest bool) (indexuc.Info, error)
	deleteFn     func(ctx context.Context, s domain.Subject, name string) error
	getFn        func(ctx context.Context, s domain.Subject, name string) (indexuc.Info, error)
	schemaFn     func(ctx context.Context, s domain.Subject, name string) ([]field.Field, error)
	listFn       func(ctx context.Context, s domain.Subject, req indexuc.ListRequest) (*indexuc.ListResult, error)
	addFieldsFn  func(ctx context.Context, s domain.Subject, name string, fields []field.Field, expected int64) (indexuc.Info, error)
	setGuestFn   func(ctx context.Context, s domain.Subject, name string, guest bool, expected int64) (indexuc.Info, error)
	listRolesFn  func(ctx context.Context, s domain.Subject, name string) ([]role.Assignment, error)
	grantRoleFn  func(ctx context.Context, s domain.Subject, name, target string, lvl role.Level, expected int64) (role.Assignment, error)
	revokeRoleFn func(ctx context.Context, s domain.Subject, name, target string, expected int64) error
}

func (m *mockIndices) Create(ctx context.Context, s domain.Subject, name string, fields []field.Field, guest bool) (indexuc.Info, error) {
	return m.createFn(ctx, s, name, fields, guest)
}

func (m *mockIndices) Delete(ctx context.Context, s domain.Subject, name string) error {
	return m.deleteFn(ctx, s, name)
}

func (m *mockIndices) Get(ctx context.Context, s domain.Subject, name string) (indexuc.Info, error) {
	return m.getFn(ctx, s, name)
}

func (m *mockIndices) Schema(ctx context.Context, s domain.Subject, name string) ([]field.Field, error) {
	return m.schemaFn(ctx, s, name)
}

func (m *mockIndices) List(ctx context.Context, s domain.Subject, req indexuc.ListRequest) (*indexuc.ListResult, error) {
	return m.listFn(ctx, s, req)
}

func (m *mockIndices) AddFields(ctx context.Context, s domain.Subject, name string, fields []field.Field, expected int64) (indexuc.Info, error) {
	return m.addFieldsFn(ctx, s, name, fields, expected)
}

func (m *mockIndices) SetGuestReadable(ctx context.Context, s domain.Subject, name string, guest bool, expected int64) (indexuc.Info, error) {
	return m.setGuestFn(ctx, s, name, guest, expected)
}

func (m *mockIndices) ListRoles(ctx context.Context, s domain.Subject, name string) ([]role.Assignment, error) {
	return m.listRolesFn(ctx, s, name)
}

func (m *mockIndices) GrantRole(
	ctx context.Context, s domain.Subject, name, target string, lvl role.Level, expected int64,
) (role.Assignment, error) {
	return m.grantRoleFn(ctx, s, name, target, lvl, expected)
}

func (m *mockIndices) RevokeRole(ctx context.Context, s domain.Subject, name, target string, expected int64) error {
	return m.revokeRoleFn(ctx, s, name, target, expected)
}

type mockDocuments struct {
	uploadFn     func(ctx context.Context, s domain.Subject, name string, raw []map[string]any) (*documentuc.UploadResult, error)
	getFn        func(ctx context.Context, s domain.Subject, name, id string, fields []string) (domdoc.Document, error)
	updateFn     func(ctx context.Context, s domain.Subject, name, id string, raw map[string]any) error
	deleteFn     func(ctx context.Context, s domain.Subject, name, id string) error
	updateTagsFn func(ctx context.Context, s domain.Subject, name string, req documentuc.TagRequest) (int64, error)
}

func (m *mockDocuments) Upload(ctx context.Context, s domain.Subject, name string, raw []map[string]any) (*documentuc.UploadResult, error) {
	return m.uploadFn(ctx, s, name, raw)
}

func (m *mockDocuments) Get(ctx context.Context, s domain.Subject, name, id string, fields []string) (domdoc.Document, error) {
	return m.getFn(ctx, s, name, id, fields)
}

func (m *mockDocuments) Update(ctx context.Context, s domain.Subject, name, id string, raw map[string]any) error {
	return m.updateFn(ctx, s, name, id, raw)
}

func (m *mockDocuments) Delete(ctx context.Context, s domain.Subject, name, id string) error {
	return m.deleteFn(ctx, s, name, id)
}

func (m *mockDocuments) UpdateTags(ctx context.Context, s domain.Subject, name string, req documentuc.TagRequest) (int64, error) {
	return m.updateTagsFn(ctx, s, name, req)
}

type mockQuery struct {
	searchFn      func(ctx context.Context, s domain.Subject, name string, spec domquery.Spec) (*queryuc.Result, error)
	aggregateFn   func(ctx context.Context, s domain.Subject, name string, spec domquery.Spec) (*queryuc.AggregateResult, error)
	fieldValuesFn func(ctx context.Context, s domain.Subject, name, fieldName string) ([]any, error)
}

func (m *mockQuery) Search(ctx context.Context, s domain.Subject, name string, spec domquery.Spec) (*queryuc.Result, error) {
	return m.searchFn(ctx, s, name, spec)
}

func (m *mockQuery) Aggregate(ctx context.Context, s domain.Subject, name string, spec domquery.Spec) (*queryuc.AggregateResult, error) {
	return m.aggregateFn(ctx, s, name, spec)
}

func (m *mockQuery) FieldValues(ctx context.Context, s domain.Subject, name, fieldName string) ([]any, error) {
	return m.fieldValuesFn(ctx, s, name, fieldName)
}

type mockAnalysis struct {
	runFn func(ctx context.Context, s domain.Subject, name string, req analysisuc.Request) (*analysisuc.Result, error)
}

func (m *mockAnalysis) Run(ctx context.Context, s domain.Subject, name string, req analysisuc.Request) (*analysisuc.Result, error) {
	return m.runFn(ctx, s, name, req)
}

type mockHealth struct {
	report healthuc.Report
}

func (m *mockHealth) Check(_ context.Context) healthuc.Report { return m.report }

type fixture struct {
	indices   *mockIndices
	documents *mockDocuments
	query     *mockQuery
	analysis  *mockAnalysis
	health    *mockHealth
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		indices:   &mockIndices{},
		documents: &mockDocuments{},
		query:     &mockQuery{},
		analysis:  &mockAnalysis{},
		health:    &mockHealth{report: healthuc.Report{Status: healthuc.Healthy}},
	}
	srv := NewServer(Services{
		Indices:   f.indices,
		Documents: f.documents,
		Query:     f.query,
		Analysis:  f.analysis,
		Health:    f.health,
	}, 1<<20)
	r := gochi.NewRouter()
	r.Use(JSONRecoverer(zap.NewNop()))
	r.Use(WideEventMiddleware(zap.NewNop()))
	r.Use(BearerAuthMiddleware(testTokens, true))
	srv.Routes(r)
	f.handler = r
	return f
}

// do sends a request as alice unless the headers override Authorization.
func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer alice-token")
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] == "" {
			req.Header.Del(headers[i])
			continue
		}
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func newsInfo(level role.Level) indexuc.Info {
	return indexuc.Info{
		Index: index.Reconstruct("news", "amcat_news-x", []field.Field{
			field.Reconstruct("title", field.Text, field.Public, 0),
			field.Reconstruct("source", field.Keyword, field.Metadata, 0),
			field.Reconstruct("notes", field.Text, field.AdminOnly, 0),
		}, "alice", false, 1700000000000, index.StateActive, 4),
		Level: level,
	}
}
