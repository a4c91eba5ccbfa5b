// Package index implements the index management use cases: create, delete,
// list, schema changes, the guest flag and role assignments.
package index

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/amcat/internal/db"
	"github.com/kailas-cloud/amcat/internal/domain"
	domindex "github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
	"github.com/kailas-cloud/amcat/internal/logger"
	"github.com/kailas-cloud/amcat/internal/repository/registry"
)

// DefaultListLimit and MaxListLimit bound one page of List.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Info is an index together with the caller's effective role on it.
type Info struct {
	Index domindex.Index
	Level role.Level
}

// VisibleFields returns the schema entries the caller may see.
func (i Info) VisibleFields() []field.Field {
	out := make([]field.Field, 0, len(i.Index.Fields()))
	for _, f := range i.Index.Fields() {
		if f.VisibleTo(i.Level) {
			out = append(out, f)
		}
	}
	return out
}

// ListRequest selects one page of indices.
type ListRequest struct {
	Prefix string
	Limit  int
	// Cursor is the name of the last index on the previous page.
	Cursor string
}

// ListResult is one page of indices. NextCursor is empty on the last page.
type ListResult struct {
	Items      []Info
	NextCursor string
}

// Service handles index management.
type Service struct {
	registry  Registry
	lifecycle Lifecycle
	auth      Authorizer
	roles     RoleStore
	mapping   MappingUpdater
}

// New creates an index service.
func New(reg Registry, lc Lifecycle, auth Authorizer, roles RoleStore, mapping MappingUpdater) *Service {
	return &Service{registry: reg, lifecycle: lc, auth: auth, roles: roles, mapping: mapping}
}

func (s *Service) resolve(ctx context.Context, subject domain.Subject, name string, op role.Operation) (Info, error) {
	idx, err := s.registry.Lookup(ctx, name)
	if err != nil {
		return Info{}, domain.WrapOp(name, string(op), err)
	}
	lvl, err := s.auth.Authorize(ctx, subject, idx, op)
	if err != nil {
		return Info{}, err
	}
	return Info{Index: idx, Level: lvl}, nil
}

// Create provisions a new index owned by subject. The caller's global
// role must allow index creation.
func (s *Service) Create(
	ctx context.Context, subject domain.Subject, name string, fields []field.Field, guestReadable bool,
) (Info, error) {
	op := string(role.OpCreateIndex)
	if _, err := s.auth.AuthorizeGlobal(ctx, subject, name, role.OpCreateIndex); err != nil {
		return Info{}, err
	}
	if subject.IsGuest() {
		return Info{}, domain.WrapOp(name, op, fmt.Errorf("guests cannot own indices: %w", domain.ErrForbidden))
	}
	idx, err := domindex.New(name, fields, subject.ID, guestReadable)
	if err != nil {
		return Info{}, domain.WrapOp(name, op, fmt.Errorf("%w: %w", domain.ErrInvalidField, err))
	}
	created, err := s.lifecycle.Create(ctx, idx)
	if err != nil {
		return Info{}, domain.WrapOp(name, op, err)
	}
	logger.FromContext(ctx).Info("Index created",
		zap.String("index", name), zap.String("owner", subject.ID), zap.Int("fields", len(fields)))
	return Info{Index: created, Level: role.Admin}, nil
}

// Delete removes an index and everything attached to it.
func (s *Service) Delete(ctx context.Context, subject domain.Subject, name string) error {
	if _, err := s.resolve(ctx, subject, name, role.OpDeleteIndex); err != nil {
		return err
	}
	if err := s.lifecycle.Delete(ctx, name); err != nil {
		return domain.WrapOp(name, string(role.OpDeleteIndex), err)
	}
	logger.FromContext(ctx).Info("Index deleted", zap.String("index", name), zap.String("subject", subject.ID))
	return nil
}

// Get returns an index the caller can read.
func (s *Service) Get(ctx context.Context, subject domain.Subject, name string) (Info, error) {
	return s.resolve(ctx, subject, name, role.OpGetIndex)
}

// Schema returns the fields visible to the caller.
func (s *Service) Schema(ctx context.Context, subject domain.Subject, name string) ([]field.Field, error) {
	info, err := s.resolve(ctx, subject, name, role.OpGetSchema)
	if err != nil {
		return nil, err
	}
	return info.VisibleFields(), nil
}

// List returns ACTIVE indices on which the caller holds at least READER,
// ordered by name.
func (s *Service) List(ctx context.Context, subject domain.Subject, req ListRequest) (*ListResult, error) {
	op := string(role.OpListIndices)
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		return nil, domain.WrapOp("", op,
			fmt.Errorf("limit %d exceeds %d: %w", limit, MaxListLimit, domain.ErrInvalidRequest))
	}

	all, err := s.registry.List(ctx, registry.ListFilter{Prefix: req.Prefix})
	if err != nil {
		return nil, domain.WrapOp("", op, err)
	}
	out := &ListResult{Items: make([]Info, 0, min(limit, len(all)))}
	for _, idx := range all {
		if req.Cursor != "" && idx.Name() <= req.Cursor {
			continue
		}
		lvl, err := s.auth.Level(ctx, subject, idx)
		if err != nil {
			return nil, domain.WrapOp(idx.Name(), op, err)
		}
		if !lvl.Allows(role.Reader) {
			continue
		}
		if len(out.Items) == limit {
			out.NextCursor = out.Items[limit-1].Index.Name()
			break
		}
		out.Items = append(out.Items, Info{Index: idx, Level: lvl})
	}
	return out, nil
}

// AddFields extends the schema of an index. Adding fields needs WRITER;
// changing the visibility of an existing field needs ADMIN. A type change
// fails with ErrSchemaConflict. expectedVersion zero skips the version check.
func (s *Service) AddFields(
	ctx context.Context, subject domain.Subject, name string, fields []field.Field, expectedVersion int64,
) (Info, error) {
	op := string(role.OpAddFields)
	info, err := s.resolve(ctx, subject, name, role.OpAddFields)
	if err != nil {
		return Info{}, err
	}
	if len(fields) == 0 {
		return info, nil
	}
	idx := info.Index
	if expectedVersion > 0 && idx.Version() != expectedVersion {
		return Info{}, domain.WrapOp(name, op, domain.NewConcurrentModification(idx.Version()))
	}

	_, change, err := idx.MergeFields(fields)
	if err != nil {
		return Info{}, domain.WrapOp(name, op, err)
	}
	if len(change.VisibilityChanged) > 0 && !info.Level.Allows(role.Admin) {
		return Info{}, domain.WrapOp(name, op,
			fmt.Errorf("changing field visibility requires %s, have %s: %w", role.Admin, info.Level, domain.ErrForbidden))
	}
	if change.Empty() {
		return info, nil
	}

	// mapping first; the registry only records fields the engine accepted
	if len(change.Added) > 0 {
		if err := s.mapping.PutFields(ctx, idx.PhysicalID(), engine.FromSchema(change.Added)); err != nil {
			return Info{}, domain.WrapOp(name, op, err)
		}
	}
	updated, _, err := s.registry.UpdateSchema(ctx, name, fields, idx.Version())
	if err != nil {
		return Info{}, domain.WrapOp(name, op, err)
	}
	logger.FromContext(ctx).Info("Index schema updated",
		zap.String("index", name),
		zap.Int("added", len(change.Added)),
		zap.Int("visibility_changed", len(change.VisibilityChanged)))
	return Info{Index: updated, Level: info.Level}, nil
}

// SetGuestReadable flips the guest flag.
func (s *Service) SetGuestReadable(
	ctx context.Context, subject domain.Subject, name string, guestReadable bool, expectedVersion int64,
) (Info, error) {
	op := string(role.OpUpdateIndex)
	info, err := s.resolve(ctx, subject, name, role.OpUpdateIndex)
	if err != nil {
		return Info{}, err
	}
	idx := info.Index
	if expectedVersion > 0 && idx.Version() != expectedVersion {
		return Info{}, domain.WrapOp(name, op, domain.NewConcurrentModification(idx.Version()))
	}
	if idx.GuestReadable() == guestReadable {
		return info, nil
	}
	saved, err := s.registry.Save(ctx, idx.WithGuestReadable(guestReadable))
	if err != nil {
		return Info{}, domain.WrapOp(name, op, err)
	}
	return Info{Index: saved, Level: info.Level}, nil
}

// ListRoles returns the assignments on an index.
func (s *Service) ListRoles(ctx context.Context, subject domain.Subject, name string) ([]role.Assignment, error) {
	if _, err := s.resolve(ctx, subject, name, role.OpListRoles); err != nil {
		return nil, err
	}
	out, err := s.roles.ListByIndex(ctx, name)
	if err != nil {
		return nil, domain.WrapOp(name, string(role.OpListRoles), err)
	}
	return out, nil
}

// GrantRole sets target's level on an index. expected is the assignment
// version from If-Match, db.VersionAbsent for a new assignment or
// db.VersionAny to skip the check. The write holds the index lock, so it
// cannot land between a delete's role sweep and the purge.
func (s *Service) GrantRole(
	ctx context.Context, subject domain.Subject, name, target string, lvl role.Level, expected int64,
) (role.Assignment, error) {
	op := string(role.OpGrantRole)
	var a role.Assignment
	err := s.lifecycle.WithIndexLock(ctx, name, func(ctx context.Context) error {
		if _, err := s.resolve(ctx, subject, name, role.OpGrantRole); err != nil {
			return err
		}
		if target == "" || target == domain.GuestID {
			return domain.WrapOp(name, op, fmt.Errorf("invalid subject %q: %w", target, domain.ErrInvalidRequest))
		}
		if lvl == role.None || !lvl.Valid() {
			return domain.WrapOp(name, op, fmt.Errorf("cannot grant %s, revoke instead: %w", lvl, domain.ErrInvalidRequest))
		}
		var err error
		a, err = s.roles.Put(ctx, role.Assignment{Subject: target, Index: name, Level: lvl}, expected)
		if err != nil {
			return domain.WrapOp(name, op, err)
		}
		return nil
	})
	if err != nil {
		return role.Assignment{}, domain.WrapOp(name, op, err)
	}
	logger.FromContext(ctx).Info("Role granted",
		zap.String("index", name), zap.String("subject", target),
		zap.String("role", lvl.String()), zap.String("by", subject.ID))
	return a, nil
}

// RevokeRole removes target's assignment on an index.
func (s *Service) RevokeRole(ctx context.Context, subject domain.Subject, name, target string, expected int64) error {
	op := string(role.OpRevokeRole)
	err := s.lifecycle.WithIndexLock(ctx, name, func(ctx context.Context) error {
		if _, err := s.resolve(ctx, subject, name, role.OpRevokeRole); err != nil {
			return err
		}
		if expected == db.VersionAbsent {
			expected = db.VersionAny
		}
		if err := s.roles.Delete(ctx, name, target, expected); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				err = fmt.Errorf("subject %s has no role: %w", target, err)
			}
			return domain.WrapOp(name, op, err)
		}
		return nil
	})
	if err != nil {
		return domain.WrapOp(name, op, err)
	}
	logger.FromContext(ctx).Info("Role revoked",
		zap.String("index", name), zap.String("subject", target), zap.String("by", subject.ID))
	return nil
}
