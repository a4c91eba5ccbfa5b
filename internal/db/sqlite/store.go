// Package sqlite implements db.Store on an embedded SQLite database for
// single-node deployments. Locks are advisory file locks next to the database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kailas-cloud/amcat/internal/db"
)

// Compile-time check: Store implements db.Store.
var _ db.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	key     TEXT PRIMARY KEY,
	fields  TEXT NOT NULL,
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER
);`

// Config holds the database location.
type Config struct {
	// Path is the database file.
	Path string
	// LockDir holds lock files. Defaults to Path + ".locks".
	LockDir string
}

// Store implements db.Store on SQLite.
type Store struct {
	db      *sql.DB
	lockDir string
	// writes serializes read-modify-write sequences within the process.
	writes sync.Mutex
	now    func() time.Time
}

// NewStore opens or creates the database in WAL mode.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if cfg.LockDir == "" {
		cfg.LockDir = cfg.Path + ".locks"
	}
	if err := os.MkdirAll(cfg.LockDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	conn, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: conn, lockDir: cfg.LockDir, now: time.Now}, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() {
	_ = s.db.Close()
}

// WaitForReady pings once; a local file is ready or broken.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Ping(ctx)
}

// GetRecord reads one record.
func (s *Store) GetRecord(ctx context.Context, key string) (*db.Record, error) {
	var (
		raw     string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT fields, version FROM records WHERE key = ?`, key).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, &db.Error{Op: db.OpGetRecord, Err: err}
	}
	return decodeRecord(key, raw, version)
}

func decodeRecord(key, raw string, version int64) (*db.Record, error) {
	fields := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, &db.Error{Op: db.OpGetRecord, Err: fmt.Errorf("key %s: %w", key, err)}
	}
	return &db.Record{Key: key, Fields: fields, Version: version}, nil
}

func (s *Store) currentVersion(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM records WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// PutRecord replaces a record under the version rule inside one transaction.
func (s *Store) PutRecord(ctx context.Context, key string, fields map[string]string, expected int64) (int64, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return 0, &db.Error{Op: db.OpPutRecord, Err: err}
	}
	s.writes.Lock()
	defer s.writes.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &db.Error{Op: db.OpPutRecord, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.currentVersion(ctx, tx, key)
	if err != nil {
		return 0, &db.Error{Op: db.OpPutRecord, Err: err}
	}
	if expected >= 0 && cur != expected {
		return 0, &db.VersionMismatchError{Key: key, Current: cur}
	}
	next := cur + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (key, fields, version) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET fields = excluded.fields, version = excluded.version`,
		key, string(raw), next)
	if err != nil {
		return 0, &db.Error{Op: db.OpPutRecord, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &db.Error{Op: db.OpPutRecord, Err: err}
	}
	return next, nil
}

// DeleteRecord deletes a record under the version rule.
func (s *Store) DeleteRecord(ctx context.Context, key string, expected int64) error {
	s.writes.Lock()
	defer s.writes.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &db.Error{Op: db.OpDeleteRecord, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.currentVersion(ctx, tx, key)
	if err != nil {
		return &db.Error{Op: db.OpDeleteRecord, Err: err}
	}
	if cur == 0 {
		return db.ErrKeyNotFound
	}
	if expected >= 0 && cur != expected {
		return &db.VersionMismatchError{Key: key, Current: cur}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return &db.Error{Op: db.OpDeleteRecord, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &db.Error{Op: db.OpDeleteRecord, Err: err}
	}
	return nil
}

// ScanRecords lists records by key prefix.
func (s *Store) ScanRecords(ctx context.Context, prefix string) ([]db.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, fields, version FROM records WHERE key >= ? AND key < ? ORDER BY key`,
		prefix, prefix+"\xff")
	if err != nil {
		return nil, &db.Error{Op: db.OpScan, Err: err}
	}
	defer rows.Close()

	var out []db.Record
	for rows.Next() {
		var (
			key, raw string
			version  int64
		)
		if err := rows.Scan(&key, &raw, &version); err != nil {
			return nil, &db.Error{Op: db.OpScan, Err: err}
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rec, err := decodeRecord(key, raw, version)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &db.Error{Op: db.OpScan, Err: err}
	}
	return out, nil
}

// Get returns an unexpired value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, &db.Error{Op: db.OpGet, Err: err}
	}
	if expiresAt.Valid && s.now().UnixMilli() >= expiresAt.Int64 {
		return nil, db.ErrKeyNotFound
	}
	return value, nil
}

// Set stores a value without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.put(ctx, key, value, sql.NullInt64{})
}

// SetWithTTL stores a value that reads as absent after ttl.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.put(ctx, key, value, sql.NullInt64{Int64: s.now().Add(ttl).UnixMilli(), Valid: true})
}

func (s *Store) put(ctx context.Context, key string, value []byte, expiresAt sql.NullInt64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return &db.Error{Op: db.OpSet, Err: err}
	}
	return nil
}

// Del deletes a value.
func (s *Store) Del(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return &db.Error{Op: db.OpDel, Err: err}
	}
	return nil
}

// Lock takes an exclusive file lock. The OS drops it when the process
// exits, so ttl is not needed and ignored.
func (s *Store) Lock(_ context.Context, name string, _ time.Duration) (db.Unlock, error) {
	path := filepath.Join(s.lockDir, lockFileName(name))
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, &db.Error{Op: db.OpLock, Err: err}
	}
	if !ok {
		return nil, db.ErrLocked
	}
	return func(context.Context) error {
		if err := fl.Unlock(); err != nil {
			return &db.Error{Op: db.OpUnlock, Err: err}
		}
		return nil
	}, nil
}

func lockFileName(name string) string {
	return strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(name) + ".lock"
}
