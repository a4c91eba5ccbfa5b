package amcat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/amcat/internal/db"
	dbRedis "github.com/kailas-cloud/amcat/internal/db/redis"
	dbSqlite "github.com/kailas-cloud/amcat/internal/db/sqlite"
	"github.com/kailas-cloud/amcat/internal/domain"
	domdoc "github.com/kailas-cloud/amcat/internal/domain/document"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	domquery "github.com/kailas-cloud/amcat/internal/domain/query"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
	"github.com/kailas-cloud/amcat/internal/engine/elastic"
	"github.com/kailas-cloud/amcat/internal/engine/embedded"
	"github.com/kailas-cloud/amcat/internal/repository/registry"
	"github.com/kailas-cloud/amcat/internal/repository/roles"
	"github.com/kailas-cloud/amcat/internal/usecase/access"
	analysisuc "github.com/kailas-cloud/amcat/internal/usecase/analysis"
	documentuc "github.com/kailas-cloud/amcat/internal/usecase/document"
	healthuc "github.com/kailas-cloud/amcat/internal/usecase/health"
	indexuc "github.com/kailas-cloud/amcat/internal/usecase/index"
	"github.com/kailas-cloud/amcat/internal/usecase/lifecycle"
	queryuc "github.com/kailas-cloud/amcat/internal/usecase/query"
)

const defaultReadinessTimeout = 10 * time.Second

// Internal interfaces, replaced by mocks in tests.
type indexUseCase interface {
	Create(ctx context.Context, s domain.Subject, name string, fields []field.Field, guestReadable bool) (indexuc.Info, error)
	Delete(ctx context.Context, s domain.Subject, name string) error
	Get(ctx context.Context, s domain.Subject, name string) (indexuc.Info, error)
	List(ctx context.Context, s domain.Subject, req indexuc.ListRequest) (*indexuc.ListResult, error)
	AddFields(ctx context.Context, s domain.Subject, name string, fields []field.Field, expected int64) (indexuc.Info, error)
	SetGuestReadable(ctx context.Context, s domain.Subject, name string, guestReadable bool, expected int64) (indexuc.Info, error)
	ListRoles(ctx context.Context, s domain.Subject, name string) ([]role.Assignment, error)
	GrantRole(ctx context.Context, s domain.Subject, name, target string, lvl role.Level, expected int64) (role.Assignment, error)
	RevokeRole(ctx context.Context, s domain.Subject, name, target string, expected int64) error
}

type documentUseCase interface {
	Upload(ctx context.Context, s domain.Subject, name string, raw []map[string]any) (*documentuc.UploadResult, error)
	Get(ctx context.Context, s domain.Subject, name, id string, fields []string) (domdoc.Document, error)
	Update(ctx context.Context, s domain.Subject, name, id string, raw map[string]any) error
	Delete(ctx context.Context, s domain.Subject, name, id string) error
	UpdateTags(ctx context.Context, s domain.Subject, name string, req documentuc.TagRequest) (int64, error)
}

type queryUseCase interface {
	Search(ctx context.Context, s domain.Subject, name string, spec domquery.Spec) (*queryuc.Result, error)
	Aggregate(ctx context.Context, s domain.Subject, name string, spec domquery.Spec) (*queryuc.AggregateResult, error)
	FieldValues(ctx context.Context, s domain.Subject, name, fieldName string) ([]any, error)
}

type analysisUseCase interface {
	Run(ctx context.Context, s domain.Subject, name string, req analysisuc.Request) (*analysisuc.Result, error)
}

type healthUseCase interface {
	Check(ctx context.Context) healthuc.Report
}

type resumer interface {
	Resume(ctx context.Context, name string) error
	ResumeAll(ctx context.Context) (int, error)
}

// Client is the amcat SDK entry point. It is safe for concurrent use.
type Client struct {
	store   db.Store
	engine  engine.Engine
	subject domain.Subject

	indexSvc    indexUseCase
	docSvc      documentUseCase
	querySvc    queryUseCase
	analysisSvc analysisUseCase
	healthSvc   healthUseCase
	lifecycle   resumer
	obs         *observer
}

// New opens the metadata store and the search engine and wires the services.
// The provided context is used for the initial readiness check.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o.apply(cfg)
	}

	subject := domain.Guest()
	if cfg.subject != "" {
		lvl, err := cfg.globalRole.level()
		if err != nil {
			return nil, fmt.Errorf("amcat: %w", err)
		}
		subject = domain.Subject{ID: cfg.subject, GlobalRole: lvl}
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}

	store, err := createStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.WaitForReady(ctx, defaultReadinessTimeout); err != nil {
		store.Close()
		return nil, fmt.Errorf("amcat: database not ready: %w", err)
	}

	eng, err := createEngine(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	c := wireClient(store, engine.NewResilient(eng, engine.RetryConfig{}, zap.NewNop()), cfg)
	c.subject = subject
	c.obs = obs
	return c, nil
}

func createStore(cfg *clientConfig) (db.Store, error) {
	switch cfg.storeDriver {
	case "redis":
		if len(cfg.storeAddrs) == 0 || cfg.storeAddrs[0] == "" {
			return nil, errors.New("amcat: redis address required")
		}
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.storeAddrs,
			Password: cfg.password,
		})
		if err != nil {
			return nil, fmt.Errorf("amcat: create redis store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := dbSqlite.NewStore(dbSqlite.Config{Path: cfg.sqlitePath})
		if err != nil {
			return nil, fmt.Errorf("amcat: create sqlite store: %w", err)
		}
		return s, nil
	case "":
		return nil, errors.New("amcat: metadata store required (use WithRedis or WithSQLite)")
	default:
		return nil, fmt.Errorf("amcat: unknown store driver %q", cfg.storeDriver)
	}
}

func createEngine(cfg *clientConfig) (engine.Engine, error) {
	switch cfg.engineDriver {
	case "elastic":
		e, err := elastic.New(elastic.Config{Addrs: cfg.elasticAddrs, APIKey: cfg.elasticKey, Refresh: "wait_for"})
		if err != nil {
			return nil, fmt.Errorf("amcat: create elastic engine: %w", err)
		}
		return e, nil
	case "embedded":
		e, err := embedded.New(embedded.Config{DataDir: cfg.dataDir})
		if err != nil {
			return nil, fmt.Errorf("amcat: create embedded engine: %w", err)
		}
		return e, nil
	case "":
		return nil, errors.New("amcat: search engine required (use WithElastic or WithEmbeddedEngine)")
	default:
		return nil, fmt.Errorf("amcat: unknown engine driver %q", cfg.engineDriver)
	}
}

func wireClient(store db.Store, eng engine.Engine, cfg *clientConfig) *Client {
	reg := registry.New(store)
	roleRepo := roles.New(store)
	auth := access.New(roleRepo)
	lc := lifecycle.New(reg, roleRepo, eng, store, lifecycle.Config{
		PhysicalPrefix: cfg.physicalPrefix,
	}, zap.NewNop())

	limits := queryuc.DefaultLimits()
	policy := documentuc.PolicyStrict
	if cfg.fieldPolicy == "auto" {
		policy = documentuc.PolicyAuto
	}

	var emb domain.Embedder
	var embHealth healthuc.EmbeddingChecker
	if cfg.embedder != nil {
		emb = &embedderAdapter{inner: cfg.embedder}
		if hc, ok := cfg.embedder.(healthuc.EmbeddingChecker); ok {
			embHealth = hc
		}
	}

	return &Client{
		store:    store,
		engine:   eng,
		indexSvc: indexuc.New(reg, lc, auth, roleRepo, eng),
		docSvc: documentuc.New(reg, reg, auth, eng, documentuc.Options{
			FieldPolicy:  policy,
			MaxBatchSize: cfg.maxBatchSize,
			Limits:       limits,
		}),
		querySvc:    queryuc.New(reg, auth, eng, limits),
		analysisSvc: analysisuc.New(reg, auth, eng, emb, analysisuc.Options{Limits: limits}),
		healthSvc:   healthuc.New(store, eng, embHealth),
		lifecycle:   lc,
	}
}

// Close releases all resources.
func (c *Client) Close() {
	if c.engine != nil {
		_ = c.engine.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
}

// As returns a client sharing all resources that acts as another subject.
func (c *Client) As(subject string, globalRole Role) (*Client, error) {
	lvl, err := globalRole.level()
	if err != nil {
		return nil, err
	}
	cp := *c
	cp.subject = domain.Subject{ID: subject, GlobalRole: lvl}
	return &cp, nil
}

// Subject returns the identity the client acts as.
func (c *Client) Subject() string { return c.subject.ID }

// Ping checks metadata store connectivity.
func (c *Client) Ping(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.obs.observe("ping", "", start, err) }()

	if err = c.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Resume completes an interrupted create or delete of one index. An empty
// name resumes every interrupted index and returns how many were handled.
func (c *Client) Resume(ctx context.Context, name string) (n int, err error) {
	start := time.Now()
	defer func() { c.obs.observe("resume", name, start, err) }()

	if c.subject.GlobalRole != role.Admin {
		return 0, fmt.Errorf("resume: %w", domain.ErrForbidden)
	}
	if name == "" {
		n, err = c.lifecycle.ResumeAll(ctx)
		if err != nil {
			return n, fmt.Errorf("resume all: %w", err)
		}
		return n, nil
	}
	if err = c.lifecycle.Resume(ctx, name); err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}
	return 1, nil
}

// Indices returns the index management service.
func (c *Client) Indices() *IndexService {
	return &IndexService{subject: c.subject, svc: c.indexSvc, obs: c.obs}
}

// Documents returns the document service for a given index.
func (c *Client) Documents(index string) *DocumentService {
	return &DocumentService{index: index, subject: c.subject, svc: c.docSvc, obs: c.obs}
}

// Query returns the query service for a given index. Further names make
// Search and Aggregate span all the listed indices; FieldValues and Analyze
// need a single index.
func (c *Client) Query(index string, more ...string) *QueryService {
	if len(more) > 0 {
		index = strings.Join(append([]string{index}, more...), ",")
	}
	return &QueryService{
		index:    index,
		subject:  c.subject,
		svc:      c.querySvc,
		analysis: c.analysisSvc,
		obs:      c.obs,
	}
}
