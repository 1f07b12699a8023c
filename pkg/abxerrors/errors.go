// Package abxerrors provides the structured error taxonomy used across task
// generation, storage and sorting. Every error carries a category, an
// optional cause, key-value details and the call stack at creation.
//
// # Overview
//
// Four categories matter to callers:
//   - ErrorTypeConfiguration: bad on/across/by specification, ambiguous
//     role suffixes, unknown columns in filters or regressors
//   - ErrorTypeCapacity: a combinatorial key space that does not fit in
//     64 bits
//   - ErrorTypeIO: missing or malformed input, row-count mismatches between
//     paired datasets, failed reads and writes
//   - ErrorTypeSampling: exact sampling requested while only approximate
//     triplet counts are available
//
// Configuration and capacity errors are raised while a task is being
// constructed and are never retried. IO errors raised while sorting abandon
// the in-progress output and leave the original data untouched.
//
// # Basic Usage
//
//	if len(on) != 1 {
//	    return abxerrors.New(abxerrors.ErrorTypeConfiguration, "on must name a single column").
//	        WithDetail("on", on)
//	}
//
//	if err := w.Close(); err != nil {
//	    return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to close dataset").
//	        WithDetail("dataset", path)
//	}
//
// # Thread Safety
//
// Error instances are not thread-safe for modification. Add details before
// sharing an error across goroutines.
package abxerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	// ErrorTypeConfiguration represents invalid task or operation definitions
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeCapacity represents key spaces exceeding 64-bit integers
	ErrorTypeCapacity ErrorType = "capacity"
	// ErrorTypeIO represents missing, malformed or inconsistent stored data
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeSampling represents impossible sampling requests
	ErrorTypeSampling ErrorType = "sampling"
	// ErrorTypeData represents values that cannot be interpreted
	ErrorTypeData ErrorType = "data"
	// ErrorTypeInternal represents broken internal invariants
	ErrorTypeInternal ErrorType = "internal"
)

// Error represents a structured error with context.
//
// Fields:
//   - Type: Categorizes the error for handling strategies
//   - Message: Human-readable error description
//   - Cause: The underlying error that caused this error
//   - Details: Key-value pairs providing additional context
//   - Stack: Call stack at the point of error creation
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string // Fully qualified function name
	File     string // Source file path
	Line     int    // Line number in source file
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Calls can be chained.
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

// Newf is New with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context. If the error is
// already a structured Error its stack trace is preserved. Returns nil if
// err is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Configuration creates an ErrorTypeConfiguration error.
func Configuration(format string, args ...interface{}) *Error {
	return &Error{Type: ErrorTypeConfiguration, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// Capacity creates an ErrorTypeCapacity error.
func Capacity(format string, args ...interface{}) *Error {
	return &Error{Type: ErrorTypeCapacity, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// IO creates an ErrorTypeIO error.
func IO(format string, args ...interface{}) *Error {
	return &Error{Type: ErrorTypeIO, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// Sampling creates an ErrorTypeSampling error.
func Sampling(format string, args ...interface{}) *Error {
	return &Error{Type: ErrorTypeSampling, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// IsType reports whether err, or any error it wraps, is an Error of the
// given type. The outermost structured error decides.
//
// Example:
//
//	if abxerrors.IsType(err, abxerrors.ErrorTypeConfiguration) {
//	    cmd.Usage()
//	}
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// IsFatal reports whether err must stop task construction without retry.
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Type {
	case ErrorTypeConfiguration, ErrorTypeCapacity, ErrorTypeSampling:
		return true
	case ErrorTypeIO, ErrorTypeData, ErrorTypeInternal:
		return false
	default:
		return false
	}
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
