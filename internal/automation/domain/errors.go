package domain

import (
	"errors"
	"fmt"
)

// Common errors for automation schedules.
var (
	ErrScheduleNotFound   = errors.New("schedule not found")
	ErrScheduleExists     = errors.New("schedule already exists")
	ErrInvalidSchedule    = errors.New("invalid schedule definition")
	ErrInvalidEvent       = errors.New("invalid runtime event")
	ErrStorage            = errors.New("automation storage unavailable")
	ErrStorageCorruption  = errors.New("automation storage corrupted")
	ErrExecution          = errors.New("schedule execution failed")
	ErrAutomationDisabled = errors.New("automation disabled until the store is reset")
)

// ValidationError reports a malformed schedule, trigger, or delay definition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid schedule definition: %s", e.Reason)
	}
	return fmt.Sprintf("invalid schedule definition: %s: %s", e.Field, e.Reason)
}

// Is makes ValidationError match ErrInvalidSchedule.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidSchedule
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StorageError wraps a failure reported by the durable store.
// Corrupt errors are fatal; all others are retryable.
type StorageError struct {
	Op      string
	Err     error
	Corrupt bool
}

// NewStorageError wraps err for the given store operation.
func NewStorageError(op string, err error, corrupt bool) *StorageError {
	return &StorageError{Op: op, Err: err, Corrupt: corrupt}
}

func (e *StorageError) Error() string {
	kind := "storage error"
	if e.Corrupt {
		kind = "storage corruption"
	}
	return fmt.Sprintf("%s during %s: %v", kind, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches ErrStorage, or ErrStorageCorruption when the error is fatal.
func (e *StorageError) Is(target error) bool {
	if target == ErrStorageCorruption {
		return e.Corrupt
	}
	return target == ErrStorage
}

// IsCorruption reports whether err is a fatal storage corruption.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrStorageCorruption)
}

// ExecutionError is returned by an execution callback that failed to deliver.
type ExecutionError struct {
	ScheduleID string
	Err        error
	Retryable  bool
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of schedule %s failed: %v", e.ScheduleID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Is makes ExecutionError match ErrExecution.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}
