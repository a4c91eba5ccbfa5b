package db

import (
	"errors"
	"fmt"
)

// Sentinel errors for database operations.
var (
	ErrKeyNotFound     = errors.New("db: key not found")
	ErrVersionMismatch = errors.New("db: version mismatch")
	ErrLocked          = errors.New("db: lock held")
)

// Op constants name store operations for error context.
const (
	OpPing         = "PING"
	OpGetRecord    = "GET_RECORD"
	OpPutRecord    = "PUT_RECORD"
	OpDeleteRecord = "DELETE_RECORD"
	OpScan         = "SCAN"
	OpDel          = "DEL"
	OpGet          = "GET"
	OpSet          = "SET"
	OpLock         = "LOCK"
	OpUnlock       = "UNLOCK"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// VersionMismatchError reports the version found when a conditional write failed.
// Current is 0 when the record does not exist.
type VersionMismatchError struct {
	Key     string
	Current int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: %s is at version %d", ErrVersionMismatch, e.Key, e.Current)
}

func (e *VersionMismatchError) Unwrap() error { return ErrVersionMismatch }
