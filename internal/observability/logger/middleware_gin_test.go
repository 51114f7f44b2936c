package logger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/examly/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeGlobal(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestGinMiddlewareLogsRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := observeGlobal(t)

	router := gin.New()
	router.Use(GinMiddleware(MiddlewareConfig{
		ErrorClassifier: func(error) (string, string) { return "gateway", "unavailable" },
	}))
	router.POST("/api/payments/checkout", func(c *gin.Context) {
		c.Set("invoice_id", "inv-1")
		_ = c.Error(errors.New("gateway down"))
		c.Status(http.StatusServiceUnavailable)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/checkout", nil)
	req.Header.Set(headerRequestID, "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get(headerRequestID))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "inv-1", fields["invoice_id"])
	assert.Equal(t, "gateway", fields["error_type"])
	assert.NotContains(t, fields, "error")
}

func TestGinMiddlewareQuietsStatusPolls(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := observeGlobal(t)

	router := gin.New()
	router.Use(GinMiddleware(MiddlewareConfig{}))
	router.GET("/api/payments/status", func(c *gin.Context) { c.Status(http.StatusTooManyRequests) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/payments/status?invoiceId=x", nil))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}

func TestWithContextAddsIdentity(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithIdentity(ctx, "guest", "sess-9")

	WithContext(ctx, zap.New(core)).Info("hello")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "guest", fields["identity_type"])
	assert.Equal(t, "sess-9", fields["identity_id"])
	assert.NotContains(t, fields, "trace_id")
}
