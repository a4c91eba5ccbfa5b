package lifecycle

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/amcat/internal/db"
	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
)

// fakeRegistry keeps versioned records in memory.
type fakeRegistry struct {
	mu      sync.Mutex
	records map[string]index.Index
	saveFn  func(idx index.Index) error
}

func (f *fakeRegistry) Register(_ context.Context, idx index.Index) (index.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[idx.Name()]; ok {
		return index.Index{}, domain.ErrAlreadyExists
	}
	idx = idx.WithVersion(1)
	f.records[idx.Name()] = idx
	return idx, nil
}

func (f *fakeRegistry) Get(_ context.Context, name string) (index.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.records[name]
	if !ok {
		return index.Index{}, domain.ErrNotFound
	}
	return idx, nil
}

func (f *fakeRegistry) Save(_ context.Context, idx index.Index) (index.Index, error) {
	if f.saveFn != nil {
		if err := f.saveFn(idx); err != nil {
			return index.Index{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.records[idx.Name()]
	if !ok {
		return index.Index{}, domain.ErrNotFound
	}
	if cur.Version() != idx.Version() {
		return index.Index{}, domain.NewConcurrentModification(cur.Version())
	}
	idx = idx.WithVersion(cur.Version() + 1)
	f.records[idx.Name()] = idx
	return idx, nil
}

func (f *fakeRegistry) Purge(_ context.Context, name string, expected int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.records[name]
	if !ok {
		return nil
	}
	if expected > 0 && cur.Version() != expected {
		return domain.NewConcurrentModification(cur.Version())
	}
	delete(f.records, name)
	return nil
}

func (f *fakeRegistry) Unfinished(_ context.Context) ([]index.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []index.Index
	for _, idx := range f.records {
		if !idx.IsActive() {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// fakeRoles keeps assignments keyed by index/subject.
type fakeRoles struct {
	mu       sync.Mutex
	assigned map[string]role.Assignment
	deleteFn func(idx, subject string) error
}

func (f *fakeRoles) Put(_ context.Context, a role.Assignment, _ int64) (role.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.Version = f.assigned[a.Index+"/"+a.Subject].Version + 1
	f.assigned[a.Index+"/"+a.Subject] = a
	return a, nil
}

func (f *fakeRoles) Delete(_ context.Context, idx, subject string, _ int64) error {
	if f.deleteFn != nil {
		if err := f.deleteFn(idx, subject); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.assigned[idx+"/"+subject]; !ok {
		return domain.ErrNotFound
	}
	delete(f.assigned, idx+"/"+subject)
	return nil
}

func (f *fakeRoles) ListByIndex(_ context.Context, idx string) ([]role.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []role.Assignment
	for _, a := range f.assigned {
		if a.Index == idx {
			out = append(out, a)
		}
	}
	return out, nil
}

// fakeEngine tracks physical indices; hooks inject failures.
type fakeEngine struct {
	mu        sync.Mutex
	indices   map[string][]engine.Field
	creates   int
	deletes   []string
	createFn  func(ctx context.Context, physicalID string) error
	deleteFn  func(physicalID string) error
	mappingFn func(physicalID string) ([]engine.Field, error)
}

func (f *fakeEngine) CreateIndex(ctx context.Context, physicalID string, fields []engine.Field) error {
	if f.createFn != nil {
		if err := f.createFn(ctx, physicalID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if _, ok := f.indices[physicalID]; ok {
		return engine.ErrIndexExists
	}
	f.indices[physicalID] = fields
	return nil
}

func (f *fakeEngine) DeleteIndex(_ context.Context, physicalID string) error {
	if f.deleteFn != nil {
		if err := f.deleteFn(physicalID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, physicalID)
	if _, ok := f.indices[physicalID]; !ok {
		return engine.ErrIndexNotFound
	}
	delete(f.indices, physicalID)
	return nil
}

func (f *fakeEngine) GetMapping(_ context.Context, physicalID string) ([]engine.Field, error) {
	if f.mappingFn != nil {
		return f.mappingFn(physicalID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fields, ok := f.indices[physicalID]
	if !ok {
		return nil, engine.ErrIndexNotFound
	}
	return fields, nil
}

// fakeLocker hands out process-local named locks.
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLocker) Lock(_ context.Context, name string, _ time.Duration) (db.Unlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[name] {
		return nil, db.ErrLocked
	}
	f.held[name] = true
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, name)
		return nil
	}, nil
}

type fixture struct {
	svc      *Service
	registry *fakeRegistry
	roles    *fakeRoles
	engine   *fakeEngine
	locker   *fakeLocker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: &fakeRegistry{records: map[string]index.Index{}},
		roles:    &fakeRoles{assigned: map[string]role.Assignment{}},
		engine:   &fakeEngine{indices: map[string][]engine.Field{}},
		locker:   &fakeLocker{held: map[string]bool{}},
	}
	f.svc = New(f.registry, f.roles, f.engine, f.locker, Config{
		StepTimeout: time.Second,
		LockWait:    50 * time.Millisecond,
	}, zap.NewNop())
	n := 0
	f.svc.newID = func() string {
		n++
		return "id" + string(rune('0'+n))
	}
	return f
}

func newsIndex(t *testing.T, extra ...field.Field) index.Index {
	t.Helper()
	fields := append([]field.Field{
		field.Reconstruct("title", field.Text, field.Public, 0),
		field.Reconstruct("date", field.Date, field.Public, 0),
	}, extra...)
	idx, err := index.New("news", fields, "alice", false)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	return idx
}
