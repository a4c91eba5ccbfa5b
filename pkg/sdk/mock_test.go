package amcat

import (
	"context"

	"github.com/kailas-cloud/amcat/internal/domain"
	domdoc "github.com/kailas-cloud/amcat/internal/domain/document"
	domindex "github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	domquery "github.com/kailas-cloud/amcat/internal/domain/query"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	analysisuc "github.com/kailas-cloud/amcat/internal/usecase/analysis"
	documentuc "github.com/kailas-cloud/amcat/internal/usecase/document"
	healthuc "github.com/kailas-cloud/amcat/internal/usecase/health"
	indexuc "github.com/kailas-cloud/amcat/internal/usecase/index"
	queryuc "github.com/kailas-cloud/amcat/internal/usecase/query"
)

// --- indexUseCase mock ---

type mockIndexUC struct {
	createFn    func(ctx context.Context, s domain.Subject, name string, fields []field.Field, guest bool) (indexuc.Info, error)
	deleteFn    func(ctx context.Context, s domain.Subject, name string) error
	getFn       func(ctx context.Context, s domain.Subject, name string) (indexuc.Info, error)
	listFn      func(ctx context.Context, s domain.Subject, req indexuc.ListRequest) (*indexuc.ListResult, error)
	addFieldsFn func(ctx context.Context, s domain.Subject, name string, fields []field.Field, expected int64) (indexuc.Info, error)
	setGuestFn  func(ctx context.Context, s domain.Subject, name string, guest bool, expected int64) (indexuc.Info, error)
	listRolesFn func(ctx context.Context, s domain.Subject, name string) ([]role.Assignment, error)
	grantFn     func(ctx context.Context, s domain.Subject, name, target string, lvl role.Level, expected int64) (role.Assignment, error)
	revokeFn    func(ctx context.Context, s domain.Subject, name, target string, expected int64) error
}

func (m *mockIndexUC) Create(
	ctx context.Context, s domain.Subject, name string, fields []field.Field, guest bool,
) (indexuc.Info, error) {
	return m.createFn(ctx, s, name, fields, guest)
}

func (m *mockIndexUC) Delete(ctx context.Context, s domain.Subject, name string) error {
	return m.deleteFn(ctx, s, name)
}

func (m *mockIndexUC) Get(ctx context.Context, s domain.Subject, name string) (indexuc.Info, error) {
	return m.getFn(ctx, s, name)
}

func (m *mockIndexUC) List(ctx context.Context, s domain.Subject, req indexuc.ListRequest) (*indexuc.ListResult, error) {
	return m.listFn(ctx, s, req)
}

func (m *mockIndexUC) AddFields(
	ctx context.Context, s domain.Subject, name string, fields []field.Field, expected int64,
) (indexuc.Info, error) {
	return m.addFieldsFn(ctx, s, name, fields, expected)
}

func (m *mockIndexUC) SetGuestReadable(
	ctx context.Context, s domain.Subject, name string, guest bool, expected int64,
) (indexuc.Info, error) {
	return m.setGuestFn(ctx, s, name, guest, expected)
}

func (m *mockIndexUC) ListRoles(ctx context.Context, s domain.Subject, name string) ([]role.Assignment, error) {
	return m.listRolesFn(ctx, s, name)
}

func (m *mockIndexUC) GrantRole(
	ctx context.Context, s domain.Subject, name, target string, lvl role.Level, expected int64,
) (role.Assignment, error) {
	return m.grantFn(ctx, s, name, target, lvl, expected)
}

func (m *mockIndexUC) RevokeRole(ctx context.Context, s domain.Subject, name, target string, expected int64) error {
	return m.revokeFn(ctx, s, name, target, expected)
}

// --- documentUseCase mock ---

type mockDocumentUC struct {
	uploadFn     func(ctx context.Context, s domain.Subject, name string, raw []map[string]any) (*documentuc.UploadResult, error)
	getFn        func(ctx context.Context, s domain.Subject, name, id string, fields []string) (domdoc.Document, error)
	updateFn     func(ctx context.Context, s domain.Subject, name, id string, raw map[string]any) error
	deleteFn     func(ctx context.Context, s domain.Subject, name, id string) error
	updateTagsFn func(ctx context.Context, s domain.Subject, name string, req documentuc.TagRequest) (int64, error)
}

func (m *mockDocumentUC) Upload(
	ctx context.Context, s domain.Subject, name string, raw []map[string]any,
) (*documentuc.UploadResult, error) {
	return m.uploadFn(ctx, s, name, raw)
}

func (m *mockDocumentUC) Get(
	ctx context.Context, s domain.Subject, name, id string, fields []string,
) (domdoc.Document, error) {
	return m.getFn(ctx, s, name, id, fields)
}

func (m *mockDocumentUC) Update(ctx context.Context, s domain.Subject, name, id string, raw map[string]any) error {
	return m.updateFn(ctx, s, name, id, raw)
}

func (m *mockDocumentUC) Delete(ctx context.Context, s domain.Subject, name, id string) error {
	return m.deleteFn(ctx, s, name, id)
}

func (m *mockDocumentUC) UpdateTags(
	ctx context.Context, s domain.Subject, name string, req documentuc.TagRequest,
) (int64, error) {
	return m.updateTagsFn(ctx, s, name, req)
}

// --- queryUseCase mock ---

type mockQueryUC struct {
	searchFn    func(ctx context.Context, s domain.Subject, name string, spec domquery.Spec) (*queryuc.Result, error)
	aggregateFn func(ctx context.Context, s domain.Subject, name string, spec domquery.Spec) (*queryuc.AggregateResult, error)
	valuesFn    func(ctx context.Context, s domain.Subject, name, fieldName string) ([]any, error)
}

func (m *mockQueryUC) Search(
	ctx context.Context, s domain.Subject, name string, spec domquery.Spec,
) (*queryuc.Result, error) {
	return m.searchFn(ctx, s, name, spec)
}

func (m *mockQueryUC) Aggregate(
	ctx context.Context, s domain.Subject, name string, spec domquery.Spec,
) (*queryuc.AggregateResult, error) {
	return m.aggregateFn(ctx, s, name, spec)
}

func (m *mockQueryUC) FieldValues(ctx context.Context, s domain.Subject, name, fieldName string) ([]any, error) {
	return m.valuesFn(ctx, s, name, fieldName)
}

// --- analysisUseCase mock ---

type mockAnalysisUC struct {
	runFn func(ctx context.Context, s domain.Subject, name string, req analysisuc.Request) (*analysisuc.Result, error)
}

func (m *mockAnalysisUC) Run(
	ctx context.Context, s domain.Subject, name string, req analysisuc.Request,
) (*analysisuc.Result, error) {
	return m.runFn(ctx, s, name, req)
}

// --- healthUseCase / resumer mocks ---

type mockHealthUC struct {
	report healthuc.Report
}

func (m *mockHealthUC) Check(context.Context) healthuc.Report { return m.report }

type mockResumer struct {
	resumeFn    func(ctx context.Context, name string) error
	resumeAllFn func(ctx context.Context) (int, error)
}

func (m *mockResumer) Resume(ctx context.Context, name string) error { return m.resumeFn(ctx, name) }

func (m *mockResumer) ResumeAll(ctx context.Context) (int, error) { return m.resumeAllFn(ctx) }

// --- helpers ---

var alice = domain.Subject{ID: "alice", GlobalRole: role.Writer}

func testClient(idx indexUseCase, docs documentUseCase, q queryUseCase, an analysisUseCase) *Client {
	return &Client{
		subject:     alice,
		indexSvc:    idx,
		docSvc:      docs,
		querySvc:    q,
		analysisSvc: an,
	}
}

func testInfo(lvl role.Level) indexuc.Info {
	fields := []field.Field{
		field.Reconstruct("title", field.Text, field.Public, 0),
		field.Reconstruct("notes", field.Text, field.AdminOnly, 0),
		field.Reconstruct("emb", field.Vector, field.Metadata, 3),
	}
	idx := domindex.Reconstruct("news", "amcat_news_1", fields, "alice", true,
		1700000000000, domindex.StateActive, 4)
	return indexuc.Info{Index: idx, Level: lvl}
}
