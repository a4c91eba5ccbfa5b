package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kailas-cloud/amcat/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{Path: filepath.Join(t.TempDir(), "amcat.db")})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestNewStore_RequiresPath(t *testing.T) {
	if _, err := NewStore(Config{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRecord_CreateUpdateDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.PutRecord(ctx, "amcat:index:news", map[string]string{"state": "pending"}, db.VersionAbsent)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}

	_, err = s.PutRecord(ctx, "amcat:index:news", map[string]string{"state": "x"}, db.VersionAbsent)
	var vm *db.VersionMismatchError
	if !errors.As(err, &vm) || vm.Current != 1 {
		t.Fatalf("second create: expected mismatch at 1, got %v", err)
	}

	v, err = s.PutRecord(ctx, "amcat:index:news", map[string]string{"state": "active"}, 1)
	if err != nil || v != 2 {
		t.Fatalf("update: v=%d err=%v", v, err)
	}
	if _, err := s.PutRecord(ctx, "amcat:index:news", map[string]string{"state": "stale"}, 1); !errors.Is(err, db.ErrVersionMismatch) {
		t.Fatalf("stale update: %v", err)
	}

	rec, err := s.GetRecord(ctx, "amcat:index:news")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 2 || rec.Fields["state"] != "active" {
		t.Errorf("record = %+v", rec)
	}

	if err := s.DeleteRecord(ctx, "amcat:index:news", 1); !errors.Is(err, db.ErrVersionMismatch) {
		t.Errorf("stale delete: %v", err)
	}
	if err := s.DeleteRecord(ctx, "amcat:index:news", db.VersionAny); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRecord(ctx, "amcat:index:news"); !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("get deleted: %v", err)
	}
	if err := s.DeleteRecord(ctx, "amcat:index:news", db.VersionAny); !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("delete twice: %v", err)
	}
}

func TestScanRecords_Prefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"p:b", "p:a", "q:a"} {
		if _, err := s.PutRecord(ctx, k, map[string]string{"k": k}, db.VersionAny); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.ScanRecords(ctx, "p:")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Key != "p:a" || recs[1].Key != "p:b" {
		t.Errorf("records = %+v", recs)
	}
}

func TestKV_TTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.SetWithTTL(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("get = %q, %v", got, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("expired get: %v", err)
	}

	if err := s.Set(ctx, "k", []byte("w")); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get(ctx, "k"); string(got) != "w" {
		t.Errorf("after set = %q", got)
	}
	if err := s.Del(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("after del: %v", err)
	}
}

func TestLock_Exclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	unlock, err := s.Lock(ctx, "index:news", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lock(ctx, "index:news", time.Minute); !errors.Is(err, db.ErrLocked) {
		t.Fatalf("second lock: %v", err)
	}
	other, err := s.Lock(ctx, "index:other", time.Minute)
	if err != nil {
		t.Fatalf("independent lock: %v", err)
	}
	_ = other(ctx)

	if err := unlock(ctx); err != nil {
		t.Fatal(err)
	}
	again, err := s.Lock(ctx, "index:news", time.Minute)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = again(ctx)
}
