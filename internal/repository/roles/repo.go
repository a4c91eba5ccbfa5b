// Package roles stores per-index role assignments. There is at most one
// assignment per (index, subject); grant and revoke are version-checked.
package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kailas-cloud/amcat/internal/db"
	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/role"
)

// store is the consumer interface for role assignments (ISP).
type store interface {
	GetRecord(ctx context.Context, key string) (*db.Record, error)
	PutRecord(ctx context.Context, key string, fields map[string]string, expected int64) (int64, error)
	DeleteRecord(ctx context.Context, key string, expected int64) error
	ScanRecords(ctx context.Context, prefix string) ([]db.Record, error)
}

// Repo implements role assignment storage on a db.Store.
type Repo struct {
	store store
}

// New creates a roles repository.
func New(s store) *Repo {
	return &Repo{store: s}
}

// Get returns the assignment of subject on idx. Use role.GlobalScope for
// global-scope assignments.
func (r *Repo) Get(ctx context.Context, idx, subject string) (role.Assignment, error) {
	rec, err := r.store.GetRecord(ctx, recordKey(idx, subject))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return role.Assignment{}, domain.ErrNotFound
		}
		return role.Assignment{}, fmt.Errorf("get role %s/%s: %w", idx, subject, err)
	}
	return fromRecord(rec)
}

// Level returns the assigned level, or role.None when nothing is assigned.
func (r *Repo) Level(ctx context.Context, idx, subject string) (role.Level, error) {
	a, err := r.Get(ctx, idx, subject)
	if errors.Is(err, domain.ErrNotFound) {
		return role.None, nil
	}
	if err != nil {
		return role.None, err
	}
	return a.Level, nil
}

// Put grants a level. expected is the version the caller last saw:
// db.VersionAny skips the check, db.VersionAbsent requires a new assignment.
func (r *Repo) Put(ctx context.Context, a role.Assignment, expected int64) (role.Assignment, error) {
	data := map[string]string{
		"subject": a.Subject,
		"index":   a.Index,
		"role":    a.Level.String(),
	}
	v, err := r.store.PutRecord(ctx, recordKey(a.Index, a.Subject), data, expected)
	if err != nil {
		return role.Assignment{}, translate(a.Index, a.Subject, err)
	}
	a.Version = v
	return a, nil
}

// Delete revokes an assignment. An absent assignment returns domain.ErrNotFound.
func (r *Repo) Delete(ctx context.Context, idx, subject string, expected int64) error {
	err := r.store.DeleteRecord(ctx, recordKey(idx, subject), expected)
	if err == nil {
		return nil
	}
	if errors.Is(err, db.ErrKeyNotFound) {
		return domain.ErrNotFound
	}
	return translate(idx, subject, err)
}

// ListByIndex returns all assignments on idx ordered by subject.
func (r *Repo) ListByIndex(ctx context.Context, idx string) ([]role.Assignment, error) {
	recs, err := r.store.ScanRecords(ctx, recordKey(idx, ""))
	if err != nil {
		return nil, fmt.Errorf("scan roles %s: %w", idx, err)
	}
	out := make([]role.Assignment, 0, len(recs))
	for i := range recs {
		a, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out, nil
}

func fromRecord(rec *db.Record) (role.Assignment, error) {
	lvl, err := role.Parse(rec.Fields["role"])
	if err != nil {
		return role.Assignment{}, fmt.Errorf("role record %s: %w", rec.Key, err)
	}
	return role.Assignment{
		Subject: rec.Fields["subject"],
		Index:   rec.Fields["index"],
		Level:   lvl,
		Version: rec.Version,
	}, nil
}

func translate(idx, subject string, err error) error {
	var vm *db.VersionMismatchError
	if errors.As(err, &vm) {
		return domain.NewConcurrentModification(vm.Current)
	}
	return fmt.Errorf("write role %s/%s: %w", idx, subject, err)
}

// Key pattern: amcat:role:{index}:{subject}

func recordKey(idx, subject string) string {
	return fmt.Sprintf("%srole:%s:%s", domain.KeyPrefix, idx, subject)
}

// SubjectFromKey extracts the subject from a role record key.
func SubjectFromKey(key string) string {
	rest := strings.TrimPrefix(key, domain.KeyPrefix+"role:")
	_, subject, _ := strings.Cut(rest, ":")
	return subject
}
