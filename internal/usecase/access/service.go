// Package access resolves a subject's effective role on an index and
// checks it against the level an operation requires.
package access

import (
	"context"
	"fmt"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/role"
)

// Effective combines the global role, the index assignment and the guest
// flag. A guest-readable index grants at least READER and never more.
func Effective(global, assigned role.Level, guestReadable bool) role.Level {
	guest := role.None
	if guestReadable {
		guest = role.Reader
	}
	return role.Max(global, assigned, guest)
}

// Authorizer reads assignments from the role store on every call.
type Authorizer struct {
	roles RoleReader
}

// New creates an Authorizer.
func New(roles RoleReader) *Authorizer {
	return &Authorizer{roles: roles}
}

// GlobalLevel returns the higher of the identity claim and a stored
// global-scope assignment.
func (a *Authorizer) GlobalLevel(ctx context.Context, s domain.Subject) (role.Level, error) {
	if s.IsGuest() || s.GlobalRole == role.Admin {
		return s.GlobalRole, nil
	}
	stored, err := a.roles.Level(ctx, role.GlobalScope, s.ID)
	if err != nil {
		return role.None, fmt.Errorf("read global role: %w", err)
	}
	return role.Max(s.GlobalRole, stored), nil
}

// Level returns the effective role of s on idx.
func (a *Authorizer) Level(ctx context.Context, s domain.Subject, idx index.Index) (role.Level, error) {
	global, err := a.GlobalLevel(ctx, s)
	if err != nil {
		return role.None, err
	}
	if global == role.Admin {
		return role.Admin, nil
	}
	assigned := role.None
	if !s.IsGuest() {
		assigned, err = a.roles.Level(ctx, idx.Name(), s.ID)
		if err != nil {
			return role.None, fmt.Errorf("read role: %w", err)
		}
	}
	return Effective(global, assigned, idx.GuestReadable()), nil
}

// Authorize checks op on idx and returns the effective level for
// downstream visibility checks.
func (a *Authorizer) Authorize(ctx context.Context, s domain.Subject, idx index.Index, op role.Operation) (role.Level, error) {
	lvl, err := a.Level(ctx, s, idx)
	if err != nil {
		return role.None, domain.WrapOp(idx.Name(), string(op), err)
	}
	if err := check(lvl, op); err != nil {
		return lvl, domain.WrapOp(idx.Name(), string(op), err)
	}
	return lvl, nil
}

// AuthorizeGlobal checks op against the global role only. Used where no
// index exists yet, such as index creation.
func (a *Authorizer) AuthorizeGlobal(ctx context.Context, s domain.Subject, name string, op role.Operation) (role.Level, error) {
	lvl, err := a.GlobalLevel(ctx, s)
	if err != nil {
		return role.None, domain.WrapOp(name, string(op), err)
	}
	if err := check(lvl, op); err != nil {
		return lvl, domain.WrapOp(name, string(op), err)
	}
	return lvl, nil
}

func check(have role.Level, op role.Operation) error {
	need := role.RequiredLevel(op)
	if !have.Allows(need) {
		return fmt.Errorf("requires %s, have %s: %w", need, have, domain.ErrForbidden)
	}
	return nil
}
