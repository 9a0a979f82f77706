package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_WrappedChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("submit: %w", NewCommitFailed(cause))

	appErr, ok := AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, CodeCommitFailed, appErr.Code)
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(err))
}

func TestAppError_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"invalid line", NewInvalidLine(2, "quantity must be positive"), CodeInvalidLine, http.StatusBadRequest},
		{"reference", NewReferenceNotFound(0, "product", "p1"), CodeReferenceNotFound, http.StatusNotFound},
		{"insufficient", NewInsufficientStock("p", "l", 10, 6), CodeInsufficientStock, http.StatusUnprocessableEntity},
		{"limit", NewStockLimitExceeded("p", "l", "max", 120, 100), CodeStockLimitExceeded, http.StatusUnprocessableEntity},
		{"lock timeout", NewLockTimeout(2), CodeLockTimeout, http.StatusServiceUnavailable},
		{"mismatch", NewIdempotencyMismatch("b"), CodeIdempotencyMismatch, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, HasCode(tt.err, tt.code))
			assert.Equal(t, tt.status, GetHTTPStatus(tt.err))
		})
	}
}

func TestAppError_PlainErrorIsInternal(t *testing.T) {
	err := errors.New("boom")

	assert.False(t, IsAppError(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(err))
}

func TestAppError_WithDetail(t *testing.T) {
	err := NewInsufficientStock("p1", "l1", 10, 6).WithDetail("line", 3)

	assert.Equal(t, 3, err.Details["line"])
	assert.Equal(t, 6.0, err.Details["available"])
	assert.Contains(t, err.Error(), CodeInsufficientStock)
}
