// Package errors provides structured error handling for the connector with
// error categorization, key-value context, and stack capture. The categories
// drive propagation policy: configuration and connection errors abort the
// whole run, while data-shaped errors are isolated to the owning stream.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors; fatal before any
	// stream is touched
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeConnection represents source or controller connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeQuery represents source query execution errors
	ErrorTypeQuery ErrorType = "query"
	// ErrorTypeData represents record processing errors
	ErrorTypeData ErrorType = "data"
	// ErrorTypeUnsupportedFieldType represents a watermark field whose
	// runtime value cannot be safely compared or bucketed; fatal for the
	// owning stream only
	ErrorTypeUnsupportedFieldType ErrorType = "unsupported_field_type"
	// ErrorTypeSinkCommit represents a failed or rejected validator commit
	ErrorTypeSinkCommit ErrorType = "sink_commit"
	// ErrorTypeTimeout represents deadline expiry on an external call
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConflict represents a second in-flight run for the same stream
	ErrorTypeConflict ErrorType = "conflict"
)

// Error represents a structured error with context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. It can be chained.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message, capturing the
// call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the
// original error as the cause. If the error is already a structured Error,
// its stack trace is preserved. Returns nil if the input error is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existing.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsType checks if the error is of the given type.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// IsRetryable returns true if the error is retryable based on its type.
// Connection, timeout, and sink commit failures are worth a rerun; the
// connector itself performs no automatic retry.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeSinkCommit:
		return true
	default:
		return false
	}
}

// IsStreamFatal returns true if the error should abort the owning stream
// but allow the run to continue with the next one.
func IsStreamFatal(err error) bool {
	return IsType(err, ErrorTypeUnsupportedFieldType) || IsType(err, ErrorTypeData)
}

// captureStack captures the current call stack up to maxFrames deep,
// skipping the specified number of frames from the top.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
