// Package registry keeps the authoritative list of logical indices and their
// lifecycle state. Every write is conditional on the record version.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kailas-cloud/amcat/internal/db"
	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
)

// store is the consumer interface for the registry (ISP).
type store interface {
	GetRecord(ctx context.Context, key string) (*db.Record, error)
	PutRecord(ctx context.Context, key string, fields map[string]string, expected int64) (int64, error)
	DeleteRecord(ctx context.Context, key string, expected int64) error
	ScanRecords(ctx context.Context, prefix string) ([]db.Record, error)
}

// Repo implements the index registry on a db.Store.
type Repo struct {
	store store
}

// New creates a registry repository.
func New(s store) *Repo {
	return &Repo{store: s}
}

// ListFilter narrows List.
type ListFilter struct {
	Prefix string
	// IncludeInactive also returns records in creating or deleting states.
	IncludeInactive bool
}

// Register stores a new record. A record under the same name, in any
// state, fails with ErrAlreadyExists.
func (r *Repo) Register(ctx context.Context, idx index.Index) (index.Index, error) {
	data, err := indexToRecord(idx)
	if err != nil {
		return index.Index{}, err
	}
	v, err := r.store.PutRecord(ctx, recordKey(idx.Name()), data, db.VersionAbsent)
	if err != nil {
		if errors.Is(err, db.ErrVersionMismatch) {
			return index.Index{}, fmt.Errorf("index %s: %w", idx.Name(), domain.ErrAlreadyExists)
		}
		return index.Index{}, fmt.Errorf("register index %s: %w", idx.Name(), err)
	}
	return idx.WithVersion(v), nil
}

// Get returns the record in any state.
func (r *Repo) Get(ctx context.Context, name string) (index.Index, error) {
	rec, err := r.store.GetRecord(ctx, recordKey(name))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return index.Index{}, domain.ErrNotFound
		}
		return index.Index{}, fmt.Errorf("get index %s: %w", name, err)
	}
	return indexFromRecord(rec)
}

// Lookup returns an ACTIVE index. Other states read as not found.
func (r *Repo) Lookup(ctx context.Context, name string) (index.Index, error) {
	idx, err := r.Get(ctx, name)
	if err != nil {
		return index.Index{}, err
	}
	if !idx.IsActive() {
		return index.Index{}, domain.ErrNotFound
	}
	return idx, nil
}

// List returns indices ordered by name.
func (r *Repo) List(ctx context.Context, f ListFilter) ([]index.Index, error) {
	recs, err := r.store.ScanRecords(ctx, recordKey(f.Prefix))
	if err != nil {
		return nil, fmt.Errorf("scan indices: %w", err)
	}
	out := make([]index.Index, 0, len(recs))
	for i := range recs {
		idx, err := indexFromRecord(&recs[i])
		if err != nil {
			return nil, fmt.Errorf("parse index %s: %w", recs[i].Key, err)
		}
		if !f.IncludeInactive && !idx.IsActive() {
			continue
		}
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// Unfinished returns records left in a create or delete state.
func (r *Repo) Unfinished(ctx context.Context) ([]index.Index, error) {
	all, err := r.List(ctx, ListFilter{IncludeInactive: true})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, idx := range all {
		if !idx.IsActive() {
			out = append(out, idx)
		}
	}
	return out, nil
}

// Save writes idx if the stored version still equals idx.Version() and
// returns idx carrying the new version.
func (r *Repo) Save(ctx context.Context, idx index.Index) (index.Index, error) {
	data, err := indexToRecord(idx)
	if err != nil {
		return index.Index{}, err
	}
	v, err := r.store.PutRecord(ctx, recordKey(idx.Name()), data, idx.Version())
	if err != nil {
		return index.Index{}, translate(idx.Name(), err)
	}
	return idx.WithVersion(v), nil
}

// UpdateSchema merges fields into an ACTIVE index. expectedVersion zero
// means the version just read.
func (r *Repo) UpdateSchema(
	ctx context.Context, name string, fields []field.Field, expectedVersion int64,
) (index.Index, index.SchemaChange, error) {
	cur, err := r.Lookup(ctx, name)
	if err != nil {
		return index.Index{}, index.SchemaChange{}, err
	}
	if expectedVersion > 0 && cur.Version() != expectedVersion {
		return index.Index{}, index.SchemaChange{}, domain.NewConcurrentModification(cur.Version())
	}
	merged, change, err := cur.MergeFields(fields)
	if err != nil {
		return index.Index{}, index.SchemaChange{}, err
	}
	if change.Empty() {
		return cur, change, nil
	}
	saved, err := r.Save(ctx, merged)
	if err != nil {
		return index.Index{}, index.SchemaChange{}, err
	}
	return saved, change, nil
}

// SoftDelete marks an ACTIVE index as SOFT_DELETED. Lookup stops finding
// it from then on.
func (r *Repo) SoftDelete(ctx context.Context, name string, expectedVersion int64) (index.Index, error) {
	cur, err := r.Get(ctx, name)
	if err != nil {
		return index.Index{}, err
	}
	if cur.SoftDeleted() {
		return cur, nil
	}
	if expectedVersion > 0 && cur.Version() != expectedVersion {
		return index.Index{}, domain.NewConcurrentModification(cur.Version())
	}
	return r.Save(ctx, cur.WithState(index.StateSoftDeleted))
}

// Purge removes the record. An absent record counts as purged.
func (r *Repo) Purge(ctx context.Context, name string, expectedVersion int64) error {
	if expectedVersion <= 0 {
		expectedVersion = db.VersionAny
	}
	err := r.store.DeleteRecord(ctx, recordKey(name), expectedVersion)
	if err == nil || errors.Is(err, db.ErrKeyNotFound) {
		return nil
	}
	return translate(name, err)
}

func translate(name string, err error) error {
	var vm *db.VersionMismatchError
	if errors.As(err, &vm) {
		if vm.Current == 0 {
			return fmt.Errorf("index %s: %w", name, domain.ErrNotFound)
		}
		return domain.NewConcurrentModification(vm.Current)
	}
	return fmt.Errorf("write index %s: %w", name, err)
}

// Key pattern: amcat:index:{name}

func recordKey(name string) string {
	return fmt.Sprintf("%sindex:%s", domain.KeyPrefix, name)
}

// NameFromKey strips the record prefix.
func NameFromKey(key string) string {
	return strings.TrimPrefix(key, domain.KeyPrefix+"index:")
}
