package roles

import (
	"context"
	"strings"
	"testing"

	"github.com/kailas-cloud/amcat/internal/db"
)

// mockStore implements the consumer interface for tests. Unset functions
// use the in-memory records map.
type mockStore struct {
	putRecordFn    func(ctx context.Context, key string, fields map[string]string, expected int64) (int64, error)
	deleteRecordFn func(ctx context.Context, key string, expected int64) error
	scanRecordsFn  func(ctx context.Context, prefix string) ([]db.Record, error)

	records map[string]db.Record
}

func (m *mockStore) GetRecord(_ context.Context, key string) (*db.Record, error) {
	rec, ok := m.records[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return &rec, nil
}

func (m *mockStore) PutRecord(ctx context.Context, key string, fields map[string]string, expected int64) (int64, error) {
	if m.putRecordFn != nil {
		return m.putRecordFn(ctx, key, fields, expected)
	}
	cur := m.records[key].Version
	if expected != db.VersionAny && expected != cur {
		return 0, &db.VersionMismatchError{Key: key, Current: cur}
	}
	m.records[key] = db.Record{Key: key, Fields: fields, Version: cur + 1}
	return cur + 1, nil
}

func (m *mockStore) DeleteRecord(ctx context.Context, key string, expected int64) error {
	if m.deleteRecordFn != nil {
		return m.deleteRecordFn(ctx, key, expected)
	}
	rec, ok := m.records[key]
	if !ok {
		return db.ErrKeyNotFound
	}
	if expected != db.VersionAny && expected != rec.Version {
		return &db.VersionMismatchError{Key: key, Current: rec.Version}
	}
	delete(m.records, key)
	return nil
}

func (m *mockStore) ScanRecords(ctx context.Context, prefix string) ([]db.Record, error) {
	if m.scanRecordsFn != nil {
		return m.scanRecordsFn(ctx, prefix)
	}
	var out []db.Record
	for k, rec := range m.records {
		if strings.HasPrefix(k, prefix) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func newTestRepo(t *testing.T) (*Repo, *mockStore) {
	t.Helper()
	ms := &mockStore{records: map[string]db.Record{}}
	return New(ms), ms
}
