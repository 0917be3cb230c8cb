// Package errors provides the structured error type shared by the sync layer.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the sync-layer operation that failed
type Operation string

const (
	OpFetch     Operation = "fetch"
	OpCreate    Operation = "create"
	OpUpdate    Operation = "update"
	OpPatch     Operation = "patch"
	OpDelete    Operation = "delete"
	OpCacheSave Operation = "cache_save"
	OpCacheLoad Operation = "cache_load"
	OpSubscribe Operation = "subscribe"
	OpPublish   Operation = "publish"
	OpDecode    Operation = "decode"
)

// Kind classifies an error independently of where it happened.
type Kind string

const (
	KindInvalid          Kind = "invalid"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindUnavailable      Kind = "unavailable"
	KindInternal         Kind = "internal"
	KindMethodNotAllowed Kind = "method_not_allowed"
)

// Component names the package or subsystem that produced an error.
type Component string

// SyncError represents an error that occurred in the sync layer
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "transport/sse")
	Component string

	// Kind of failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	if e.Err == nil {
		return msg
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a SyncError from its arguments. Accepted argument types are
// Operation, Component, Kind, ErrorCode, error, string (message) and
// map[string]interface{} (metadata). A string alone becomes the underlying
// error; a string together with an error wraps the error with that message.
func E(args ...interface{}) *SyncError {
	e := &SyncError{}
	var msg string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case map[string]interface{}:
			e.Metadata = a
		case *SyncError:
			e.Err = a
			if e.Kind == "" {
				e.Kind = a.Kind
			}
			e.Retryable = e.Retryable || a.Retryable
		case error:
			e.Err = a
		case string:
			msg = a
		}
	}
	switch {
	case msg != "" && e.Err != nil:
		e.Err = fmt.Errorf("%s: %w", msg, e.Err)
	case msg != "":
		e.Err = errors.New(msg)
	}
	return e
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Kind:      KindUnavailable,
		Err:       cause,
		Retryable: true,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of the outermost SyncError carrying one, or
// KindInternal when err is not a SyncError.
func KindOf(err error) Kind {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			break
		}
		if syncErr.Kind != "" {
			return syncErr.Kind
		}
		err = syncErr.Err
	}
	return KindInternal
}
