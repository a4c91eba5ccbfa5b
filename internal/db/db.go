package db

import (
	"context"
	"time"
)

// Store is the main database facade combining all sub-interfaces.
//
//nolint:interfacebloat // consumers depend on the narrow sub-interfaces
type Store interface {
	Pinger
	RecordStore
	KVStore
	Locker
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Expected versions understood by PutRecord and DeleteRecord besides an exact match.
const (
	// VersionAny skips the version check.
	VersionAny int64 = -1
	// VersionAbsent requires that no record exists yet.
	VersionAbsent int64 = 0
)

// Record is a versioned hash of string fields. Version starts at 1 and
// grows by one on every successful write.
type Record struct {
	Key     string
	Fields  map[string]string
	Version int64
}

// RecordStore provides compare-and-set access to versioned records.
type RecordStore interface {
	// GetRecord returns ErrKeyNotFound when the key is absent.
	GetRecord(ctx context.Context, key string) (*Record, error)
	// PutRecord replaces all fields if the stored version equals expected
	// and returns the new version. A mismatch returns *VersionMismatchError.
	PutRecord(ctx context.Context, key string, fields map[string]string, expected int64) (int64, error)
	// DeleteRecord removes the record under the same version rule.
	DeleteRecord(ctx context.Context, key string, expected int64) error
	// ScanRecords lists every record whose key starts with prefix, sorted by key.
	ScanRecords(ctx context.Context, prefix string) ([]Record, error)
}

// KVStore provides simple key-value operations.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Unlock releases a lock taken by Locker.
type Unlock func(ctx context.Context) error

// Locker provides named mutual exclusion across server processes.
type Locker interface {
	// Lock takes the named lock without waiting. A lock held elsewhere
	// returns ErrLocked. The lock lapses after ttl where the backend supports it.
	Lock(ctx context.Context, name string, ttl time.Duration) (Unlock, error)
}
