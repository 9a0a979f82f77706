package middleware_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/infrastructure/http/v1/middleware"
)

func newRouter(h gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.Trace())
	r.Use(middleware.ErrorHandler())
	r.GET("/x", h)
	return r
}

func serve(t *testing.T, r http.Handler) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestRecovery_RendersInternalError(t *testing.T) {
	r := newRouter(func(c *gin.Context) { panic("nil map write") })

	w, body := serve(t, r)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, apperror.CodeInternal, body["code"])
	assert.NotContains(t, w.Body.String(), "nil map write")

	details, ok := body["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, w.Header().Get(middleware.HeaderRequestID), details["request_id"])
}

func TestErrorHandler_AppError(t *testing.T) {
	r := newRouter(func(c *gin.Context) {
		_ = c.Error(apperror.NewCommitFailed(errors.New("connection reset")))
	})

	w, body := serve(t, r)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, apperror.CodeCommitFailed, body["code"])
	assert.Equal(t, true, body["retryable"])
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestErrorHandler_PlainErrorIsInternal(t *testing.T) {
	r := newRouter(func(c *gin.Context) { _ = c.Error(errors.New("socket closed")) })

	w, body := serve(t, r)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, apperror.CodeInternal, body["code"])
	assert.NotContains(t, w.Body.String(), "socket closed")
}
