package errors

import (
	"errors"
	"fmt"
)

// AppError represents an application-level error with a code and optional cause
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Newf creates a new AppError with a formatted message and no cause
func Newf(code, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// CodeOf returns the code of the first AppError in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an AppError with the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// Error codes
const (
	// Dispatcher boundary. These are recorded as failed attempts, never propagated.
	ErrCodeUnknownTool      = "UNKNOWN_TOOL"
	ErrCodeInvalidArguments = "INVALID_ARGUMENTS"
	ErrCodeToolTimeout      = "TOOL_TIMEOUT"
	ErrCodeToolExecution    = "TOOL_EXECUTION_FAILED"

	// Cache store. Callers degrade to uncached operation.
	ErrCodeCacheUnavailable = "CACHE_UNAVAILABLE"
	ErrCodeCacheWrite       = "CACHE_WRITE_FAILED"

	// Session control.
	ErrCodeMalformedDecision = "MALFORMED_DECISION"
	ErrCodeQuotaExceeded     = "QUOTA_EXCEEDED"
	ErrCodeSessionAborted    = "SESSION_ABORTED"
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"

	ErrCodeInvalidConfig  = "INVALID_CONFIG"
	ErrCodeProviderFailed = "PROVIDER_FAILED"
	ErrCodeInvalidInput   = "INVALID_INPUT"
)
