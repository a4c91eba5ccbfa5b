package chi

import (
	"context"

	"github.com/kailas-cloud/amcat/internal/domain"
	domdoc "github.com/kailas-cloud/amcat/internal/domain/document"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	domquery "github.com/kailas-cloud/amcat/internal/domain/query"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	analysisuc "github.com/kailas-cloud/amcat/internal/usecase/analysis"
	documentuc "github.com/kailas-cloud/amcat/internal/usecase/document"
	healthuc "github.com/kailas-cloud/amcat/internal/usecase/health"
	indexuc "github.com/kailas-cloud/amcat/internal/usecase/index"
	queryuc "github.com/kailas-cloud/amcat/internal/usecase/query"
)

// IndexService manages indices, schemas and roles.
type IndexService interface {
	Create(ctx context.Context, s domain.Subject, name string, fields []field.Field, guestReadable bool) (indexuc.Info, error)
	Delete(ctx context.Context, s domain.Subject, name string) error
	Get(ctx context.Context, s domain.Subject, name string) (indexuc.Info, error)
	Schema(ctx context.Context, s domain.Subject, name string) ([]field.Field, error)
	List(ctx context.Context, s domain.Subject, req indexuc.ListRequest) (*indexuc.ListResult, error)
	AddFields(ctx context.Context, s domain.Subject, name string, fields []field.Field, expected int64) (indexuc.Info, error)
	SetGuestReadable(ctx context.Context, s domain.Subject, name string, guestReadable bool, expected int64) (indexuc.Info, error)
	ListRoles(ctx context.Context, s domain.Subject, name string) ([]role.Assignment, error)
	GrantRole(ctx context.Context, s domain.Subject, name, target string, lvl role.Level, expected int64) (role.Assignment, error)
	RevokeRole(ctx context.Context, s domain.Subject, name, target string, expected int64) error
}

// DocumentService handles document writes and reads.
type DocumentService interface {
	Upload(ctx context.Context, s domain.Subject, name string, raw []map[string]any) (*documentuc.UploadResult, error)
	Get(ctx context.Context, s domain.Subject, name, id string, fields []string) (domdoc.Document, error)
	Update(ctx context.Context, s domain.Subject, name, id string, raw map[string]any) error
	Delete(ctx context.Context, s domain.Subject, name, id string) error
	UpdateTags(ctx context.Context, s domain.Subject, name string, req documentuc.TagRequest) (int64, error)
}

// QueryService runs searches and aggregations.
type QueryService interface {
	Search(ctx context.Context, s domain.Subject, name string, spec domquery.Spec) (*queryuc.Result, error)
	Aggregate(ctx context.Context, s domain.Subject, name string, spec domquery.Spec) (*queryuc.AggregateResult, error)
	FieldValues(ctx context.Context, s domain.Subject, name, fieldName string) ([]any, error)
}

// AnalysisService runs embedding passes.
type AnalysisService interface {
	Run(ctx context.Context, s domain.Subject, name string, req analysisuc.Request) (*analysisuc.Result, error)
}

// HealthService reports component health.
type HealthService interface {
	Check(ctx context.Context) healthuc.Report
}
