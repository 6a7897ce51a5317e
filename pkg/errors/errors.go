// Package errors provides a structured error system for tiercache with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// I/O Errors
	ErrCodeIOCreate ErrorCode = "IO_CREATE"
	ErrCodeIORead   ErrorCode = "IO_READ"
	ErrCodeIOWrite  ErrorCode = "IO_WRITE"
	ErrCodeIORemove ErrorCode = "IO_REMOVE"
	ErrCodeIOMmap   ErrorCode = "IO_MMAP"

	// Serialization Errors
	ErrCodeSerialize       ErrorCode = "SERIALIZE"
	ErrCodeDeserialize     ErrorCode = "DESERIALIZE"
	ErrCodeSnapshotCorrupt ErrorCode = "SNAPSHOT_CORRUPT"

	// Capacity and Index Errors
	ErrCodeCapacityInvalid   ErrorCode = "CAPACITY_INVALID"
	ErrCodeIndexInconsistent ErrorCode = "INDEX_INCONSISTENT"
	ErrCodeKeyCollision      ErrorCode = "KEY_COLLISION"

	// Configuration Errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// State Errors
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"

	// Remote Backend Errors
	ErrCodeRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrCodeRemoteOperation   ErrorCode = "REMOTE_OPERATION"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryIO            ErrorCategory = "io"
	CategorySerialization ErrorCategory = "serialization"
	CategoryIndex         ErrorCategory = "index"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryState         ErrorCategory = "state"
	CategoryRemote        ErrorCategory = "remote"
	CategoryInternal      ErrorCategory = "internal"
)

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time `json:"timestamp"`

	// Operational metadata
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`

	Retryable bool `json:"retryable"`

	// Debug information
	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Key != "" {
		fmt.Fprintf(&b, " (key=%q)", e.Key)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *CacheError) Is(target error) bool {
	if cacheErr, ok := target.(*CacheError); ok {
		return e.Code == cacheErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CacheError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%q", e.Key))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("CacheError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *CacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new cache error with default values.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap creates a new cache error around cause.
func Wrap(code ErrorCode, message string, cause error) *CacheError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "IO_"):
		return CategoryIO
	case codeStr == string(ErrCodeSerialize) || codeStr == string(ErrCodeDeserialize) ||
		strings.HasPrefix(codeStr, "SNAPSHOT_"):
		return CategorySerialization
	case strings.HasPrefix(codeStr, "CAPACITY_") || strings.HasPrefix(codeStr, "INDEX_") ||
		strings.HasPrefix(codeStr, "KEY_"):
		return CategoryIndex
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "COMPONENT_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "REMOTE_"):
		return CategoryRemote
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeIOWrite:           true,
		ErrCodeIOMmap:            true,
		ErrCodeRemoteUnavailable: true,
		ErrCodeRemoteOperation:   true,
	}
	return retryableCodes[code]
}

// GetCode returns the code of the first CacheError in err's chain, or "".
func GetCode(err error) ErrorCode {
	var cacheErr *CacheError
	if stderrors.As(err, &cacheErr) {
		return cacheErr.Code
	}
	return ""
}

// IsCode reports whether err's chain contains a CacheError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && stderrors.Is(err, &CacheError{Code: code})
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 to skip this function and the caller
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithDetail adds detailed information to an error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component (usually a tier name) for an error
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithKey sets the cache key the error relates to
func (e *CacheError) WithKey(key string) *CacheError {
	e.Key = key
	return e
}

// WithCause sets the underlying cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *CacheError) WithStack() *CacheError {
	e.Stack = CaptureStack(2)
	return e
}
