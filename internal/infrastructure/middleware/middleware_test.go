package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pepehouse/internal/core/services"
	apperrors "pepehouse/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService("secret", "pepehouse", time.Hour)
	token, err := auth.GenerateToken("ops")
	require.NoError(t, err)

	router := gin.New()
	router.Use(AuthMiddleware(auth))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(SubjectKey))
	})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := serve(router, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, "ops", w.Body.String())
			}
		})
	}
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.ErrorLevel)

	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.New(core).Sugar()))
	router.GET("/missing", func(c *gin.Context) {
		c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", "r1"))
	})
	router.GET("/boom", func(c *gin.Context) {
		c.Error(errors.New("boom"))
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"NOT_FOUND","message":"room not found","details":{"room_id":"r1"}}`, w.Body.String())
	assert.Zero(t, logs.Len())

	w = serve(router, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"INTERNAL_ERROR","message":"Internal server error"}`, w.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("Unhandled request error").Len())
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("nope") })

	w := serve(router, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestTracingMiddleware_RequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(TracingMiddleware(zap.New(core).Sugar()))
	router.GET("/rooms/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/rooms/r1", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w := serve(router, req)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	entries := logs.FilterMessage("HTTP request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "/rooms/:id", fields["path"])
	assert.EqualValues(t, http.StatusNoContent, fields["status"])

	w = serve(router, httptest.NewRequest(http.MethodGet, "/rooms/r2", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}
