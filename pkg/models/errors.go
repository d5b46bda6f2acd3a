package models

import (
	"errors"
	"time"
)

// ErrorCode is the closed taxonomy of AI core failures.
type ErrorCode string

const (
	// ErrCodeInvalidAPIKey — the credential failed format validation before
	// any network call was made.
	ErrCodeInvalidAPIKey ErrorCode = "invalid_api_key"

	// ErrCodeNetwork — transport or health-check failure.
	ErrCodeNetwork ErrorCode = "network_error"

	// ErrCodeRateLimited — backend-signaled throttling. Surfaced distinctly,
	// never folded into unknown_error.
	ErrCodeRateLimited ErrorCode = "rate_limited"

	// ErrCodeUnknown — catch-all. Always retains the original diagnostic
	// message.
	ErrCodeUnknown ErrorCode = "unknown_error"
)

// AIError is the tagged error value thrown by execution paths
// (generate, stream, health check). Configuration validation failures are
// resolved locally and never become AIErrors.
type AIError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *AIError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewAIError creates a tagged error stamped with the current time.
func NewAIError(code ErrorCode, message string) *AIError {
	return &AIError{Code: code, Message: message, Timestamp: time.Now().UTC()}
}

// AsAIError extracts an *AIError from an error chain, or wraps the error as
// unknown_error so callers always receive a tagged value.
func AsAIError(err error) *AIError {
	if err == nil {
		return nil
	}
	var aiErr *AIError
	if errors.As(err, &aiErr) {
		return aiErr
	}
	return NewAIError(ErrCodeUnknown, err.Error())
}
