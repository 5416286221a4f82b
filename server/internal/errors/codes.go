package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/hrygo/sessioncache/plugin/ai/session"
)

// ErrorCode represents a specific error type returned by the HTTP API.
type ErrorCode string

const (
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeNotFound indicates the session does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeSessionBusy indicates the session is compacting and the caller asked not to wait.
	ErrCodeSessionBusy ErrorCode = "SESSION_BUSY"
	// ErrCodeRateLimitExceeded indicates rate limit has been exceeded.
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// ErrCodeServiceUnavailable indicates the service is not available.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrCodeLLMUnavailable indicates the LLM service is not available.
	ErrCodeLLMUnavailable ErrorCode = "LLM_UNAVAILABLE"
	// ErrCodeSummarizationFailed indicates the summarizer failed during compaction.
	ErrCodeSummarizationFailed ErrorCode = "SUMMARIZATION_FAILED"
	// ErrCodePersistenceFailed indicates the session could not be read from or written to storage.
	ErrCodePersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
	// ErrCodeContextCanceled indicates the operation was canceled.
	ErrCodeContextCanceled ErrorCode = "CONTEXT_CANCELED"
	// ErrCodeTimeout indicates the operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeInternal indicates an unclassified failure.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// HTTPStatus returns the response status for the code.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeSessionBusy:
		return http.StatusConflict
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeLLMUnavailable, ErrCodeSummarizationFailed:
		return http.StatusBadGateway
	case ErrCodeServiceUnavailable, ErrCodePersistenceFailed:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeContextCanceled:
		// nginx convention for a client that went away.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// APIError represents a structured error for API operations.
type APIError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *APIError) WithContext(key string, value interface{}) *APIError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// GetCode returns the error code.
func (e *APIError) GetCode() ErrorCode {
	return e.Code
}

// Convenience constructors for common error types.

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *APIError {
	return &APIError{Code: ErrCodeInvalidArgument, Message: msg}
}

// NotFound creates a not found error for a session key.
func NotFound(key string) *APIError {
	return &APIError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("session not found: %s", key),
	}
}

// RateLimitExceeded creates a rate limit exceeded error.
func RateLimitExceeded(msg string) *APIError {
	return &APIError{Code: ErrCodeRateLimitExceeded, Message: msg}
}

// ServiceUnavailable creates a service unavailable error.
func ServiceUnavailable(msg string) *APIError {
	return &APIError{Code: ErrCodeServiceUnavailable, Message: msg}
}

// LLMUnavailable creates an LLM unavailable error.
func LLMUnavailable(msg string, cause error) *APIError {
	return &APIError{Code: ErrCodeLLMUnavailable, Message: msg, Cause: cause}
}

// Wrap wraps an existing error with additional context.
func Wrap(cause error, code ErrorCode, msg string) *APIError {
	return &APIError{Code: code, Message: msg, Cause: cause}
}

// IsCode checks if an error is of a specific code.
func IsCode(err error, code ErrorCode) bool {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// FromError classifies any error returned by the session cache or its
// collaborators. An APIError anywhere in the chain is returned unchanged.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var code ErrorCode
	switch {
	case stderrors.Is(err, session.ErrInvalidTurn), stderrors.Is(err, session.ErrInvalidIdentity):
		code = ErrCodeInvalidArgument
	case stderrors.Is(err, session.ErrNotFound):
		code = ErrCodeNotFound
	case stderrors.Is(err, session.ErrSessionBusy):
		code = ErrCodeSessionBusy
	case stderrors.Is(err, session.ErrSummarizationFailed):
		code = ErrCodeSummarizationFailed
	case stderrors.Is(err, session.ErrPersistenceWrite), stderrors.Is(err, session.ErrPersistenceLoad):
		code = ErrCodePersistenceFailed
	case stderrors.Is(err, session.ErrStoreClosed):
		code = ErrCodeServiceUnavailable
	case stderrors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	case stderrors.Is(err, context.Canceled):
		code = ErrCodeContextCanceled
	default:
		code = ErrCodeInternal
	}
	return &APIError{Code: code, Message: messageFor(code), Cause: err}
}

func messageFor(code ErrorCode) string {
	switch code {
	case ErrCodeInvalidArgument:
		return "invalid request"
	case ErrCodeNotFound:
		return "session not found"
	case ErrCodeSessionBusy:
		return "session is compacting, retry later"
	case ErrCodeSummarizationFailed:
		return "summarization failed"
	case ErrCodePersistenceFailed:
		return "session storage unavailable"
	case ErrCodeServiceUnavailable:
		return "service is shutting down"
	case ErrCodeTimeout:
		return "operation timed out"
	case ErrCodeContextCanceled:
		return "operation canceled"
	default:
		return "internal error"
	}
}

// Response is the JSON body of every API error.
type Response struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// Response renders the error for the wire. The cause is never exposed.
func (e *APIError) Response(requestID string) Response {
	return Response{Code: e.Code, Message: e.Message, RequestID: requestID}
}
