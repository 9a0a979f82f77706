// Package apperror provides structured error handling following RFC 7807 Problem Details.
// All business errors must use AppError for consistent API responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced at the stock core boundary.
const (
	// Infrastructure errors (5xx)
	CodeInternal     = "INTERNAL_ERROR"
	CodeCommitFailed = "COMMIT_FAILED"
	CodeLockTimeout  = "LOCK_TIMEOUT"

	// Validation errors (400)
	CodeValidation  = "VALIDATION_ERROR"
	CodeInvalidLine = "INVALID_LINE"

	// Business rule violations (422)
	CodeInsufficientStock  = "INSUFFICIENT_STOCK"
	CodeStockLimitExceeded = "STOCK_LIMIT_EXCEEDED"

	// Not found (404)
	CodeNotFound          = "NOT_FOUND"
	CodeReferenceNotFound = "REFERENCE_NOT_FOUND"

	// Conflict (409)
	CodeIdempotencyMismatch = "IDEMPOTENCY_MISMATCH"

	// CodeDuplicateBatch marks an idempotent replay. It is reported on the
	// committed batch, never returned as an error.
	CodeDuplicateBatch = "DUPLICATE_BATCH"
)

// AppError is the standard error type for the platform.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (line index, quantities, ids)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Retryable tells the caller that resubmitting the identical batch is safe
	Retryable bool `json:"retryable,omitempty"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidLine reports a malformed movement line (400).
func NewInvalidLine(line int, reason string) *AppError {
	return &AppError{
		Code:       CodeInvalidLine,
		Message:    fmt.Sprintf("line %d: %s", line, reason),
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]any{"line": line, "reason": reason},
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewReferenceNotFound reports an unknown or inactive reference entity on a line.
func NewReferenceNotFound(line int, kind string, id any) *AppError {
	return &AppError{
		Code:       CodeReferenceNotFound,
		Message:    fmt.Sprintf("%s not found or inactive", kind),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"line": line, "kind": kind, "id": id},
	}
}

// NewInsufficientStock creates a stock shortage error
func NewInsufficientStock(productID, localityID string, requested, available float64) *AppError {
	return &AppError{
		Code:       CodeInsufficientStock,
		Message:    "Insufficient stock",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"product_id":  productID,
			"locality_id": localityID,
			"requested":   requested,
			"available":   available,
		},
	}
}

// NewStockLimitExceeded reports a movement that would cross a configured min/max threshold.
func NewStockLimitExceeded(productID, localityID, limit string, resulting, threshold float64) *AppError {
	return &AppError{
		Code:       CodeStockLimitExceeded,
		Message:    fmt.Sprintf("Resulting quantity violates %s stock threshold", limit),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"product_id":  productID,
			"locality_id": localityID,
			"limit":       limit,
			"resulting":   resulting,
			"threshold":   threshold,
		},
	}
}

// NewLockTimeout is returned when the stock guard could not be acquired in time.
func NewLockTimeout(keys int) *AppError {
	return &AppError{
		Code:       CodeLockTimeout,
		Message:    "Stock is busy, retry the same batch",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Details:    map[string]any{"keys": keys},
	}
}

// NewCommitFailed wraps a storage failure during the durable write.
func NewCommitFailed(err error) *AppError {
	return &AppError{
		Code:       CodeCommitFailed,
		Message:    "Failed to commit stock batch",
		HTTPStatus: http.StatusInternalServerError,
		Retryable:  true,
		Err:        err,
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewIdempotencyMismatch is returned when a batch id is reused for a different payload.
func NewIdempotencyMismatch(batchID string) *AppError {
	return &AppError{
		Code:       CodeIdempotencyMismatch,
		Message:    "Batch id was already used for a different request",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"batch_id": batchID},
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsInsufficientStock checks if error is CodeInsufficientStock
func IsInsufficientStock(err error) bool {
	return HasCode(err, CodeInsufficientStock)
}

// IsRetryable reports whether resubmitting the same request is safe.
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return false
}
