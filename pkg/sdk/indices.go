package amcat

import (
	"context"
	"fmt"
	"time"

	"github.com/kailas-cloud/amcat/internal/domain"
	indexuc "github.com/kailas-cloud/amcat/internal/usecase/index"
)

// AnyVersion skips the optimistic locking check of a write.
const AnyVersion int64 = -1

// IndexService manages indices, their schemas and role assignments.
type IndexService struct {
	subject domain.Subject
	svc     indexUseCase
	obs     *observer
}

// Create registers an index and creates its physical storage.
func (s *IndexService) Create(
	ctx context.Context, name string, fields []Field, guestReadable bool,
) (_ IndexInfo, err error) {
	start := time.Now()
	defer func() { s.obs.observe("create_index", name, start, err) }()

	ff, err := toInternalFields(fields)
	if err != nil {
		return IndexInfo{}, fmt.Errorf("create index: %w: %w", domain.ErrInvalidField, err)
	}
	info, err := s.svc.Create(ctx, s.subject, name, ff, guestReadable)
	if err != nil {
		return IndexInfo{}, fmt.Errorf("create index: %w", err)
	}
	return fromInternalInfo(info), nil
}

// Get returns an index.
func (s *IndexService) Get(ctx context.Context, name string) (_ IndexInfo, err error) {
	start := time.Now()
	defer func() { s.obs.observe("get_index", name, start, err) }()

	info, err := s.svc.Get(ctx, s.subject, name)
	if err != nil {
		return IndexInfo{}, fmt.Errorf("get index: %w", err)
	}
	return fromInternalInfo(info), nil
}

// List returns the indices the subject may see, ordered by name.
func (s *IndexService) List(ctx context.Context, prefix, cursor string, limit int) (_ IndexList, err error) {
	start := time.Now()
	defer func() { s.obs.observe("list_indices", "", start, err) }()

	res, err := s.svc.List(ctx, s.subject, indexuc.ListRequest{Prefix: prefix, Cursor: cursor, Limit: limit})
	if err != nil {
		return IndexList{}, fmt.Errorf("list indices: %w", err)
	}
	out := IndexList{Indices: make([]IndexInfo, len(res.Items)), NextCursor: res.NextCursor}
	for i, info := range res.Items {
		out.Indices[i] = fromInternalInfo(info)
	}
	return out, nil
}

// Delete removes an index together with its documents and role assignments.
func (s *IndexService) Delete(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { s.obs.observe("delete_index", name, start, err) }()

	if err = s.svc.Delete(ctx, s.subject, name); err != nil {
		return fmt.Errorf("delete index: %w", err)
	}
	return nil
}

// AddFields adds fields or changes their visibility. Field types are immutable.
// expectedVersion is the index version last read, or AnyVersion.
func (s *IndexService) AddFields(
	ctx context.Context, name string, fields []Field, expectedVersion int64,
) (_ IndexInfo, err error) {
	start := time.Now()
	defer func() { s.obs.observe("add_fields", name, start, err) }()

	ff, err := toInternalFields(fields)
	if err != nil {
		return IndexInfo{}, fmt.Errorf("add fields: %w: %w", domain.ErrInvalidField, err)
	}
	info, err := s.svc.AddFields(ctx, s.subject, name, ff, expectedVersion)
	if err != nil {
		return IndexInfo{}, fmt.Errorf("add fields: %w", err)
	}
	return fromInternalInfo(info), nil
}

// SetGuestReadable opens or closes an index to unauthenticated readers.
func (s *IndexService) SetGuestReadable(
	ctx context.Context, name string, guestReadable bool, expectedVersion int64,
) (_ IndexInfo, err error) {
	start := time.Now()
	defer func() { s.obs.observe("update_index", name, start, err) }()

	info, err := s.svc.SetGuestReadable(ctx, s.subject, name, guestReadable, expectedVersion)
	if err != nil {
		return IndexInfo{}, fmt.Errorf("update index: %w", err)
	}
	return fromInternalInfo(info), nil
}

// Roles lists the role assignments of an index.
func (s *IndexService) Roles(ctx context.Context, name string) (_ []RoleAssignment, err error) {
	start := time.Now()
	defer func() { s.obs.observe("list_roles", name, start, err) }()

	as, err := s.svc.ListRoles(ctx, s.subject, name)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	out := make([]RoleAssignment, len(as))
	for i, a := range as {
		out[i] = fromInternalAssignment(a)
	}
	return out, nil
}

// Grant assigns a role on an index. expectedVersion is the assignment
// version last read, 0 when none should exist yet, or AnyVersion.
func (s *IndexService) Grant(
	ctx context.Context, name, subject string, r Role, expectedVersion int64,
) (_ RoleAssignment, err error) {
	start := time.Now()
	defer func() { s.obs.observe("grant_role", name, start, err) }()

	lvl, err := r.level()
	if err != nil {
		return RoleAssignment{}, fmt.Errorf("grant role: %w", err)
	}
	a, err := s.svc.GrantRole(ctx, s.subject, name, subject, lvl, expectedVersion)
	if err != nil {
		return RoleAssignment{}, fmt.Errorf("grant role: %w", err)
	}
	return fromInternalAssignment(a), nil
}

// Revoke removes a role assignment.
func (s *IndexService) Revoke(ctx context.Context, name, subject string, expectedVersion int64) (err error) {
	start := time.Now()
	defer func() { s.obs.observe("revoke_role", name, start, err) }()

	if err = s.svc.RevokeRole(ctx, s.subject, name, subject, expectedVersion); err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}
