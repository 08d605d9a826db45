// Package apierr defines the stable error taxonomy shared by the HTTP
// surface, the chat pipeline, and the ingestion workers.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes. These appear verbatim in response bodies and
// callbacks, so they must never be renamed.
const (
	// Input
	CodeMissingRequiredField = "MISSING_REQUIRED_FIELD"
	CodeInvalidChannel       = "INVALID_CHANNEL"
	CodeUnsupportedFileType  = "UNSUPPORTED_FILE_TYPE"
	CodeFileTooLarge         = "FILE_TOO_LARGE"
	CodeOriginNotAllowed     = "ORIGIN_NOT_ALLOWED"
	CodeRateLimited          = "RATE_LIMITED"

	// Auth
	CodeInvalidAPIKey        = "INVALID_API_KEY"
	CodeInvalidInternalKey   = "INVALID_INTERNAL_KEY"
	CodeInvalidWebhookSecret = "INVALID_WEBHOOK_SECRET"

	// Data
	CodeCompanyNotFound        = "COMPANY_NOT_FOUND"
	CodeTaskNotFound           = "TASK_NOT_FOUND"
	CodeExtractionDataNotFound = "EXTRACTION_DATA_NOT_FOUND"
	CodePluginNotFound         = "PLUGIN_NOT_FOUND"

	// Upstream
	CodeLLMFailed         = "LLM_FAILED"
	CodeEmbeddingFailed   = "EMBEDDING_FAILED"
	CodeVectorStoreFailed = "VECTOR_STORE_FAILED"
	CodeExtractorFailed   = "EXTRACTOR_FAILED"
	CodeBackendPostFailed = "BACKEND_POST_FAILED"
	CodeQueueUnavailable  = "QUEUE_UNAVAILABLE"

	// Internal
	CodeInternal = "INTERNAL_ERROR"
)

// Error represents a service error with a stable code.
type Error struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports code equality so sentinel comparisons survive wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// IsRetryable returns true if the error is transient and the operation can
// be retried. Only the upstream class qualifies.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case CodeLLMFailed, CodeEmbeddingFailed, CodeVectorStoreFailed,
		CodeExtractorFailed, CodeBackendPostFailed, CodeQueueUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the code to the HTTP status used when the error surfaces
// synchronously.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeMissingRequiredField, CodeInvalidChannel, CodeUnsupportedFileType:
		return http.StatusBadRequest
	case CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeOriginNotAllowed:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInvalidAPIKey, CodeInvalidInternalKey, CodeInvalidWebhookSecret:
		return http.StatusUnauthorized
	case CodeCompanyNotFound, CodeTaskNotFound, CodeExtractionDataNotFound, CodePluginNotFound:
		return http.StatusNotFound
	case CodeLLMFailed, CodeEmbeddingFailed, CodeVectorStoreFailed,
		CodeExtractorFailed, CodeBackendPostFailed:
		return http.StatusBadGateway
	case CodeQueueUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the wire form of an Error.
type Body struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Body returns the JSON response body for the error.
func (e *Error) Body() Body {
	return Body{
		Success: false,
		Error:   e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// New creates an Error with a code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that carries an underlying cause.
func Wrap(err error, code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetails attaches structured details, returning the same error for
// chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Sentinel errors for the data class. Compare with errors.Is.
var (
	ErrCompanyNotFound        = New(CodeCompanyNotFound, "company not found")
	ErrTaskNotFound           = New(CodeTaskNotFound, "task not found")
	ErrExtractionDataNotFound = New(CodeExtractionDataNotFound, "extraction data not found")
	ErrPluginNotFound         = New(CodePluginNotFound, "plugin not found")
)

// FromError extracts the typed error, wrapping unknown errors as
// INTERNAL_ERROR so every failure path yields a stable code.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}
