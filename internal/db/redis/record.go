package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/amcat/internal/db"
)

// versionField holds the record version inside the hash.
const versionField = "__version"

// putScript replaces the hash when the stored version matches ARGV[1].
// Returns {1, new version} or {0, current version}.
var putScript = rueidis.NewLuaScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
local expected = tonumber(ARGV[1])
if expected >= 0 and cur ~= expected then
  return {0, cur}
end
local nextv = cur + 1
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], ARGV[2], nextv, unpack(ARGV, 3))
return {1, nextv}
`)

// deleteScript removes the hash when the stored version matches ARGV[1].
// Returns {1, v} on delete, {0, v} on mismatch and {-1, 0} when absent.
var deleteScript = rueidis.NewLuaScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[2])
if not raw then
  return {-1, 0}
end
local cur = tonumber(raw)
local expected = tonumber(ARGV[1])
if expected >= 0 and cur ~= expected then
  return {0, cur}
end
redis.call('DEL', KEYS[1])
return {1, cur}
`)

// GetRecord reads a record hash.
func (s *Store) GetRecord(ctx context.Context, key string) (*db.Record, error) {
	cmd := s.b().Hgetall().Key(key).Build()
	m, err := s.do(ctx, cmd).AsStrMap()
	if err != nil {
		return nil, &db.Error{Op: db.OpGetRecord, Err: err}
	}
	return toRecord(key, m)
}

func toRecord(key string, m map[string]string) (*db.Record, error) {
	raw, ok := m[versionField]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, &db.Error{Op: db.OpGetRecord, Err: fmt.Errorf("key %s: bad version %q", key, raw)}
	}
	delete(m, versionField)
	return &db.Record{Key: key, Fields: m, Version: v}, nil
}

func scriptResult(res rueidis.RedisResult) (int64, int64, error) {
	arr, err := res.ToArray()
	if err != nil {
		return 0, 0, err
	}
	if len(arr) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply of %d elements", len(arr))
	}
	status, err := arr[0].AsInt64()
	if err != nil {
		return 0, 0, err
	}
	v, err := arr[1].AsInt64()
	if err != nil {
		return 0, 0, err
	}
	return status, v, nil
}

// PutRecord writes all fields atomically under the version rule.
func (s *Store) PutRecord(ctx context.Context, key string, fields map[string]string, expected int64) (int64, error) {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	args := make([]string, 0, 2+2*len(fields))
	args = append(args, strconv.FormatInt(expected, 10), versionField)
	for _, k := range names {
		args = append(args, k, fields[k])
	}

	status, v, err := scriptResult(putScript.Exec(ctx, s.client, []string{key}, args))
	if err != nil {
		return 0, &db.Error{Op: db.OpPutRecord, Err: err}
	}
	if status != 1 {
		return 0, &db.VersionMismatchError{Key: key, Current: v}
	}
	return v, nil
}

// DeleteRecord deletes a record under the version rule.
func (s *Store) DeleteRecord(ctx context.Context, key string, expected int64) error {
	args := []string{strconv.FormatInt(expected, 10), versionField}
	status, v, err := scriptResult(deleteScript.Exec(ctx, s.client, []string{key}, args))
	if err != nil {
		return &db.Error{Op: db.OpDeleteRecord, Err: err}
	}
	switch status {
	case -1:
		return db.ErrKeyNotFound
	case 0:
		return &db.VersionMismatchError{Key: key, Current: v}
	}
	return nil
}

// ScanRecords iterates keys with the prefix and loads them in one DoMulti round-trip.
func (s *Store) ScanRecords(ctx context.Context, prefix string) ([]db.Record, error) {
	var keys []string
	var cursor uint64
	for {
		cmd := s.b().Scan().Cursor(cursor).Match(prefix + "*").Count(100).Build()
		res, err := s.do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, &db.Error{Op: db.OpScan, Err: err}
		}
		keys = append(keys, res.Elements...)
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	cmds := make([]rueidis.Completed, len(keys))
	for i, key := range keys {
		cmds[i] = s.b().Hgetall().Key(key).Build()
	}
	out := make([]db.Record, 0, len(keys))
	for i, res := range s.client.DoMulti(ctx, cmds...) {
		m, err := res.AsStrMap()
		if err != nil {
			return nil, &db.Error{Op: db.OpScan, Err: fmt.Errorf("key %s: %w", keys[i], err)}
		}
		rec, err := toRecord(keys[i], m)
		if err != nil {
			// Deleted between SCAN and HGETALL, or not a record.
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}
