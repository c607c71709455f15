package models

import (
	"errors"
	"fmt"
)

// ErrorType is the closed taxonomy used across results, logs and API errors
type ErrorType string

const (
	ErrValidation        ErrorType = "ValidationError"
	ErrPermissionDenied  ErrorType = "PermissionDenied"
	ErrNotFound          ErrorType = "NotFound"
	ErrNoRunnerAvailable ErrorType = "NoRunnerAvailable"
	ErrBuildFailed       ErrorType = "BuildFailed"
	ErrExecution         ErrorType = "ExecutionError"
	ErrTimeout           ErrorType = "Timeout"
	ErrCancelled         ErrorType = "Cancelled"
	ErrSystem            ErrorType = "SystemError"
)

// EngineError is a classified error carried across component boundaries
type EngineError struct {
	Type    ErrorType
	Message string
	NodeID  string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s [node %s]: %s", e.Type, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a classified error
func NewError(t ErrorType, format string, args ...interface{}) *EngineError {
	return &EngineError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error
func WrapError(t ErrorType, cause error, format string, args ...interface{}) *EngineError {
	return &EngineError{Type: t, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithNode attaches the failing node id
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// TypeOf extracts the taxonomy kind of err; unclassified errors are SystemError
func TypeOf(err error) ErrorType {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Type
	}
	return ErrSystem
}

// IsType reports whether err carries the given taxonomy kind
func IsType(err error, t ErrorType) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Type == t
	}
	return false
}

// IsNotFound reports whether err is a NotFound engine error
func IsNotFound(err error) bool { return IsType(err, ErrNotFound) }

// IsValidation reports whether err is a ValidationError engine error
func IsValidation(err error) bool { return IsType(err, ErrValidation) }

// IsPermissionDenied reports whether err is a PermissionDenied engine error
func IsPermissionDenied(err error) bool { return IsType(err, ErrPermissionDenied) }

// IsCancelled reports whether err is a Cancelled engine error
func IsCancelled(err error) bool { return IsType(err, ErrCancelled) }
