// Package lifecycle runs index creation and deletion as explicit state
// machines over the registry, the engine and the role store. Every step is
// recorded before the next starts, so an interrupted sequence can be resumed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/amcat/internal/db"
	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
	"github.com/kailas-cloud/amcat/internal/metrics"
)

// Sequence names used in errors, logs and metrics.
const (
	SequenceCreate = "create"
	SequenceDelete = "delete"
)

// Step names. A LifecycleError reports the last one that completed.
const (
	StepNone            = "none"
	StepPending         = "pending"
	StepPhysicalCreated = "physical_created"
	StepRegistered      = "registered"
	StepRoleGranted     = "role_granted"
	StepSoftDeleted     = "soft_deleted"
	StepRolesRevoked    = "roles_revoked"
	StepPhysicalDeleted = "physical_deleted"
	StepPurged          = "purged"
)

// Config tunes the coordinator.
type Config struct {
	// PhysicalPrefix starts every physical index name.
	PhysicalPrefix string
	StepTimeout    time.Duration
	LockTTL        time.Duration
	// LockWait bounds how long a sequence waits for another process's lock.
	LockWait time.Duration
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		PhysicalPrefix: "amcat_",
		StepTimeout:    30 * time.Second,
		LockTTL:        2 * time.Minute,
		LockWait:       10 * time.Second,
	}
}

// Service coordinates index lifecycles.
type Service struct {
	registry Registry
	roles    RoleStore
	engine   IndexEngine
	locker   Locker
	cfg      Config
	keyed    *keyedMutex
	newID    func() string
	logger   *zap.Logger
}

// New creates a lifecycle coordinator.
func New(reg Registry, roles RoleStore, eng IndexEngine, locker Locker, cfg Config, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.PhysicalPrefix == "" {
		cfg.PhysicalPrefix = def.PhysicalPrefix
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = def.LockWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: reg,
		roles:    roles,
		engine:   eng,
		locker:   locker,
		cfg:      cfg,
		keyed:    newKeyedMutex(),
		newID:    func() string { return xid.New().String() },
		logger:   logger,
	}
}

// acquire serializes sequences on name: first within the process, then
// across processes through the store lock.
func (s *Service) acquire(ctx context.Context, name string) (func(), error) {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	release, err := s.keyed.Lock(wctx, name)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lock index %s: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("index %s is busy in this process: %w", name, domain.ErrConcurrentModification)
	}
	lockName := "index:" + name
	unlock, err := backoff.Retry(ctx, func() (db.Unlock, error) {
		u, err := s.locker.Lock(ctx, lockName, s.cfg.LockTTL)
		if err != nil && !errors.Is(err, db.ErrLocked) {
			return nil, backoff.Permanent(err)
		}
		return u, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxElapsedTime(s.cfg.LockWait),
	)
	if err != nil {
		release()
		if errors.Is(err, db.ErrLocked) {
			return nil, fmt.Errorf("index %s is locked by another operation: %w", name, domain.ErrConcurrentModification)
		}
		return nil, fmt.Errorf("lock index %s: %w", name, err)
	}
	return func() {
		// the caller's context may be gone; the unlock must still reach the store
		uctx, cancel := context.WithTimeout(context.Background(), s.cfg.StepTimeout)
		defer cancel()
		if err := unlock(uctx); err != nil {
			s.logger.Warn("Failed to release index lock", zap.String("index", name), zap.Error(err))
		}
		release()
	}, nil
}

// WithIndexLock runs fn while holding the lock that create, delete and
// resume take on name, so fn never interleaves with those sequences.
func (s *Service) WithIndexLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	release, err := s.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// step runs fn under the step timeout and records the outcome.
func (s *Service) step(ctx context.Context, seq, name, stepName string, fn func(ctx context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	err := fn(sctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.LifecycleStepsTotal.WithLabelValues(seq, stepName, status).Inc()
	if err == nil {
		s.logger.Info("Lifecycle step completed",
			zap.String("sequence", seq), zap.String("index", name), zap.String("step", stepName))
	}
	return err
}

func (s *Service) physicalID(name string) string {
	return s.cfg.PhysicalPrefix + name + "-" + s.newID()
}

// Create registers and provisions a new index owned by owner, who receives
// ADMIN on it. Retrying with an identical schema resumes an unfinished
// create. The sequence survives cancellation of ctx.
func (s *Service) Create(ctx context.Context, idx index.Index) (index.Index, error) {
	name := idx.Name()
	release, err := s.acquire(ctx, name)
	if err != nil {
		return index.Index{}, domain.WrapOp(name, SequenceCreate, err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	existing, err := s.registry.Get(ctx, name)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		idx, err = s.register(ctx, idx)
		if err != nil {
			return index.Index{}, err
		}
	case err != nil:
		return index.Index{}, domain.WrapOp(name, SequenceCreate, err)
	case existing.IsActive(), existing.State().Deleting():
		return index.Index{}, domain.WrapOp(name, SequenceCreate,
			fmt.Errorf("index %s: %w", name, domain.ErrAlreadyExists))
	case sameRequest(existing, idx):
		s.logger.Info("Resuming unfinished create",
			zap.String("index", name), zap.String("state", string(existing.State())))
		idx = existing
	default:
		s.logger.Warn("Discarding unfinished create with a different schema",
			zap.String("index", name), zap.String("state", string(existing.State())))
		if err := s.compensate(ctx, existing); err != nil {
			return index.Index{}, &domain.LifecycleError{
				Index: name, Op: SequenceCreate, LastStep: lastCreateStep(existing.State()), Err: err,
			}
		}
		idx, err = s.register(ctx, idx)
		if err != nil {
			return index.Index{}, err
		}
	}
	return s.runCreate(ctx, idx)
}

func sameRequest(a, b index.Index) bool {
	return a.Owner() == b.Owner() && a.GuestReadable() == b.GuestReadable() && a.SameSchema(b.Fields())
}

func (s *Service) register(ctx context.Context, idx index.Index) (index.Index, error) {
	idx = idx.WithPhysicalID(s.physicalID(idx.Name())).WithState(index.StatePending)
	var saved index.Index
	err := s.step(ctx, SequenceCreate, idx.Name(), StepPending, func(ctx context.Context) error {
		// assignments left by an earlier index of the same name must not
		// carry over to this one
		if err := s.revokeAll(ctx, idx.Name()); err != nil {
			return fmt.Errorf("clear stale roles: %w", err)
		}
		var err error
		saved, err = s.registry.Register(ctx, idx)
		return err
	})
	if err != nil {
		return index.Index{}, domain.WrapOp(idx.Name(), SequenceCreate, err)
	}
	return saved, nil
}

func lastCreateStep(st index.State) string {
	switch st {
	case index.StatePending:
		return StepPending
	case index.StatePhysicalCreated:
		return StepPhysicalCreated
	case index.StateRegistered:
		return StepRegistered
	case index.StateActive:
		return StepRoleGranted
	}
	return StepNone
}

// runCreate drives idx from its recorded state to ACTIVE. Any failure
// compensates the steps taken so far.
func (s *Service) runCreate(ctx context.Context, idx index.Index) (index.Index, error) {
	name := idx.Name()
	for !idx.IsActive() {
		var err error
		var stepName string
		switch idx.State() {
		case index.StatePending:
			stepName = StepPhysicalCreated
			err = s.step(ctx, SequenceCreate, name, stepName, func(ctx context.Context) error {
				err := s.engine.CreateIndex(ctx, idx.PhysicalID(), engine.FromSchema(idx.Fields()))
				if err != nil && !errors.Is(err, engine.ErrIndexExists) {
					return err
				}
				return nil
			})
			if err == nil {
				idx, err = s.advance(ctx, idx, index.StatePhysicalCreated)
			}
		case index.StatePhysicalCreated:
			stepName = StepRegistered
			err = s.step(ctx, SequenceCreate, name, stepName, func(ctx context.Context) error {
				mapping, err := s.engine.GetMapping(ctx, idx.PhysicalID())
				if err != nil {
					return err
				}
				return verifyMapping(idx.Fields(), mapping)
			})
			if err == nil {
				idx, err = s.advance(ctx, idx, index.StateRegistered)
			}
		case index.StateRegistered:
			stepName = StepRoleGranted
			err = s.step(ctx, SequenceCreate, name, stepName, func(ctx context.Context) error {
				_, err := s.roles.Put(ctx, role.Assignment{Subject: idx.Owner(), Index: name, Level: role.Admin}, db.VersionAny)
				return err
			})
			if err == nil {
				idx, err = s.advance(ctx, idx, index.StateActive)
			}
		default:
			err = fmt.Errorf("unexpected state %s in create", idx.State())
		}
		if err != nil {
			last := lastCreateStep(idx.State())
			s.logger.Warn("Create failed, compensating",
				zap.String("index", name), zap.String("failed_step", stepName),
				zap.String("last_step", last), zap.Error(err))
			if cerr := s.compensate(ctx, idx); cerr != nil {
				err = errors.Join(err, fmt.Errorf("compensation: %w", cerr))
			}
			return index.Index{}, &domain.LifecycleError{Index: name, Op: SequenceCreate, LastStep: last, Err: err}
		}
	}
	s.logger.Info("Index created", zap.String("index", name), zap.String("physical_id", idx.PhysicalID()))
	return idx, nil
}

// advance records st. On failure idx is returned unchanged so the caller
// still knows the last recorded state.
func (s *Service) advance(ctx context.Context, idx index.Index, st index.State) (index.Index, error) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	saved, err := s.registry.Save(sctx, idx.WithState(st))
	if err != nil {
		return idx, fmt.Errorf("record %s: %w", st, err)
	}
	return saved, nil
}

// verifyMapping checks that the engine mapping covers every schema field
// with the same type.
func verifyMapping(schema []field.Field, mapping []engine.Field) error {
	got := make(map[string]engine.Field, len(mapping))
	for _, m := range mapping {
		got[m.Name] = m
	}
	for _, f := range schema {
		m, ok := got[f.Name()]
		if !ok {
			return fmt.Errorf("field %q missing from engine mapping: %w", f.Name(), domain.ErrSchemaConflict)
		}
		if m.Type != f.FieldType() {
			return fmt.Errorf("field %q is %s in the engine, %s in the schema: %w",
				f.Name(), m.Type, f.FieldType(), domain.ErrSchemaConflict)
		}
	}
	return nil
}

// compensate undoes a create in reverse order: owner role, physical index,
// registry record. Absent pieces count as undone.
func (s *Service) compensate(ctx context.Context, idx index.Index) error {
	name := idx.Name()
	err := s.step(ctx, SequenceCreate, name, "compensate_role", func(ctx context.Context) error {
		err := s.roles.Delete(ctx, name, idx.Owner(), db.VersionAny)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("revoke owner role: %w", err)
	}
	if idx.PhysicalID() != "" {
		err = s.step(ctx, SequenceCreate, name, "compensate_physical", func(ctx context.Context) error {
			err := s.engine.DeleteIndex(ctx, idx.PhysicalID())
			if errors.Is(err, engine.ErrIndexNotFound) {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("delete physical index: %w", err)
		}
	}
	err = s.step(ctx, SequenceCreate, name, "compensate_record", func(ctx context.Context) error {
		return s.registry.Purge(ctx, name, 0)
	})
	if err != nil {
		return fmt.Errorf("purge record: %w", err)
	}
	s.logger.Warn("Create compensated", zap.String("index", name), zap.String("physical_id", idx.PhysicalID()))
	return nil
}

// Delete removes an ACTIVE index: the record is soft-deleted first so the
// name stops resolving, then roles, the physical index and the record go.
func (s *Service) Delete(ctx context.Context, name string) error {
	release, err := s.acquire(ctx, name)
	if err != nil {
		return domain.WrapOp(name, SequenceDelete, err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	idx, err := s.registry.Get(ctx, name)
	if err != nil {
		return domain.WrapOp(name, SequenceDelete, err)
	}
	if idx.State().Creating() {
		return domain.WrapOp(name, SequenceDelete, fmt.Errorf("index %s: %w", name, domain.ErrNotFound))
	}
	return s.runDelete(ctx, idx)
}

func lastDeleteStep(st index.State) string {
	switch st {
	case index.StateSoftDeleted:
		return StepSoftDeleted
	case index.StateRolesRevoked:
		return StepRolesRevoked
	case index.StatePhysicalDeleted:
		return StepPhysicalDeleted
	}
	return StepNone
}

// runDelete drives idx forward to PURGED. A failure leaves the recorded
// state for Resume; deletion never rolls back.
func (s *Service) runDelete(ctx context.Context, idx index.Index) error {
	name := idx.Name()
	for {
		var err error
		var stepName string
		switch idx.State() {
		case index.StateActive:
			stepName = StepSoftDeleted
			err = s.step(ctx, SequenceDelete, name, stepName, func(ctx context.Context) error {
				var err error
				idx, err = s.advance(ctx, idx, index.StateSoftDeleted)
				return err
			})
		case index.StateSoftDeleted:
			stepName = StepRolesRevoked
			err = s.step(ctx, SequenceDelete, name, stepName, func(ctx context.Context) error {
				return s.revokeAll(ctx, name)
			})
			if err == nil {
				idx, err = s.advance(ctx, idx, index.StateRolesRevoked)
			}
		case index.StateRolesRevoked:
			stepName = StepPhysicalDeleted
			err = s.step(ctx, SequenceDelete, name, stepName, func(ctx context.Context) error {
				err := s.engine.DeleteIndex(ctx, idx.PhysicalID())
				if errors.Is(err, engine.ErrIndexNotFound) {
					return nil
				}
				return err
			})
			if err == nil {
				idx, err = s.advance(ctx, idx, index.StatePhysicalDeleted)
			}
		case index.StatePhysicalDeleted:
			stepName = StepPurged
			err = s.step(ctx, SequenceDelete, name, stepName, func(ctx context.Context) error {
				return s.registry.Purge(ctx, name, idx.Version())
			})
			if err == nil {
				s.logger.Info("Index deleted", zap.String("index", name), zap.String("physical_id", idx.PhysicalID()))
				return nil
			}
		default:
			err = fmt.Errorf("unexpected state %s in delete", idx.State())
		}
		if err != nil {
			last := lastDeleteStep(idx.State())
			s.logger.Error("Delete failed",
				zap.String("index", name), zap.String("failed_step", stepName),
				zap.String("last_step", last), zap.Error(err))
			return &domain.LifecycleError{Index: name, Op: SequenceDelete, LastStep: last, Err: err}
		}
	}
}

func (s *Service) revokeAll(ctx context.Context, name string) error {
	assignments, err := s.roles.ListByIndex(ctx, name)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, a := range assignments {
		g.Go(func() error {
			err := s.roles.Delete(gctx, name, a.Subject, db.VersionAny)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("revoke %s: %w", a.Subject, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Resume finishes an interrupted sequence on name. Deletes roll forward;
// creates roll forward when the record is complete and are compensated
// otherwise. An ACTIVE or absent index needs nothing.
func (s *Service) Resume(ctx context.Context, name string) error {
	release, err := s.acquire(ctx, name)
	if err != nil {
		return domain.WrapOp(name, "resume", err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	idx, err := s.registry.Get(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return domain.WrapOp(name, "resume", err)
	}
	switch {
	case idx.IsActive():
		return nil
	case idx.State().Deleting():
		s.logger.Info("Resuming delete", zap.String("index", name), zap.String("state", string(idx.State())))
		return s.runDelete(ctx, idx)
	case idx.PhysicalID() == "":
		s.logger.Warn("Compensating incomplete create record", zap.String("index", name))
		if err := s.compensate(ctx, idx); err != nil {
			return &domain.LifecycleError{Index: name, Op: SequenceCreate, LastStep: lastCreateStep(idx.State()), Err: err}
		}
		return nil
	default:
		s.logger.Info("Resuming create", zap.String("index", name), zap.String("state", string(idx.State())))
		_, err := s.runCreate(ctx, idx)
		return err
	}
}

// ResumeAll resumes every unfinished sequence and returns how many it
// finished. Failures are joined.
func (s *Service) ResumeAll(ctx context.Context) (int, error) {
	pending, err := s.registry.Unfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished indices: %w", err)
	}
	var errs []error
	done := 0
	for _, idx := range pending {
		if err := s.Resume(ctx, idx.Name()); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}
