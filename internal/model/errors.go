package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a class of API failure. Every error that crosses a
// package boundary carries one of these codes so handlers can map it to an
// HTTP status without inspecting error strings.
type ErrorCode string

const (
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden      ErrorCode = "FORBIDDEN"
	ErrCodeConflict       ErrorCode = "CONFLICT"
	ErrCodeRuntimeError   ErrorCode = "RUNTIME_ERROR"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error is the taxonomy error returned by services. It wraps an optional
// cause for logging; the cause is never serialized to clients.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E creates a taxonomy error.
func E(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Ef creates a taxonomy error with a formatted message.
func Ef(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error for server-side logging.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Retry marks the error retryable and returns it.
func (e *Error) Retry() *Error {
	e.Retryable = true
	return e
}

// CodeOf extracts the taxonomy code from an error chain, defaulting to
// INTERNAL_ERROR for untyped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternalError
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the error chain is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// maxSanitizedLen bounds opaque strings in outbound error details so a
// provider cannot smuggle a multi-kilobyte payload into our responses.
const maxSanitizedLen = 256

// secretFieldHints are substrings of field names whose values must never
// leave the system.
var secretFieldHints = []string{"secret", "token", "key", "password", "credential", "authorization", "cookie"}

// SanitizeMessage truncates opaque strings before they leave the system.
func SanitizeMessage(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) > maxSanitizedLen {
		return s[:maxSanitizedLen] + "…(truncated)"
	}
	return s
}

// SanitizeDetails redacts values under secret-suggesting field names and
// truncates long strings. Nested maps are sanitized recursively.
func SanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		lower := strings.ToLower(k)
		redact := false
		for _, hint := range secretFieldHints {
			if strings.Contains(lower, hint) {
				redact = true
				break
			}
		}
		if redact {
			out[k] = "[REDACTED]"
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = SanitizeMessage(val)
		case map[string]any:
			out[k] = SanitizeDetails(val)
		default:
			out[k] = v
		}
	}
	return out
}
