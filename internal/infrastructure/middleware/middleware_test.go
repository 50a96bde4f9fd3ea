package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"streamsight/internal/core/domain"
	"streamsight/pkg/circuitbreaker"
	apperrors "streamsight/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestToAppError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   apperrors.ErrorCode
		status int
	}{
		{"not found", fmt.Errorf("get: %w", domain.ErrReportNotFound), apperrors.ErrCodeNotFound, http.StatusNotFound},
		{"empty capture", fmt.Errorf("run: %w", domain.ErrEmptyCapture), apperrors.ErrCodeUnprocessableCapture, http.StatusUnprocessableEntity},
		{"unsupported", domain.ErrUnsupportedSource, apperrors.ErrCodeInvalidInput, http.StatusBadRequest},
		{"breaker open", fmt.Errorf("save: %w", circuitbreaker.ErrOpen), apperrors.ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"timeout", fmt.Errorf("analysis interrupted: %w", context.DeadlineExceeded), apperrors.ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"malformed", fmt.Errorf("reading upload: %w", domain.ErrMalformedInput), apperrors.ErrCodeInvalidInput, http.StatusBadRequest},
		{"too large", fmt.Errorf("%w: upload: %w", domain.ErrMalformedInput, &http.MaxBytesError{Limit: 10}), apperrors.ErrCodePayloadTooLarge, http.StatusRequestEntityTooLarge},
		{"app error", apperrors.NewInvalidInputError("bad"), apperrors.ErrCodeInvalidInput, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := ToAppError(tt.err)
			require.NotNil(t, appErr)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
		})
	}

	assert.Nil(t, ToAppError(errors.New("boom")))
}

func newRouter(t *testing.T, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()
	router := gin.New()
	router.Use(RequestIDMiddleware(), RecoveryMiddleware(logger), ErrorHandlerMiddleware(logger))
	router.GET("/test", handler)
	return router
}

func TestErrorHandlerMiddleware(t *testing.T) {
	t.Run("domain error", func(t *testing.T) {
		router := newRouter(t, func(c *gin.Context) {
			_ = c.Error(domain.ErrReportNotFound)
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "NOT_FOUND", body["error"])
		assert.Equal(t, "report not found", body["message"])
		assert.Equal(t, w.Header().Get(requestIDHeader), body["request_id"])
	})

	t.Run("unknown error", func(t *testing.T) {
		router := newRouter(t, func(c *gin.Context) {
			_ = c.Error(errors.New("disk on fire"))
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "disk on fire")
	})

	t.Run("panic", func(t *testing.T) {
		router := newRouter(t, func(c *gin.Context) {
			panic("unexpected")
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	router := newRouter(t, func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(requestIDKey))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	generated := w.Header().Get(requestIDHeader)
	assert.True(t, strings.HasPrefix(generated, "req_"))
	assert.Equal(t, generated, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(requestIDHeader, "client-42")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "client-42", w.Header().Get(requestIDHeader))
}
