package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/sma-adp-enrollment/pkg/config"
	"github.com/noah-isme/sma-adp-enrollment/pkg/middleware/requestid"
)

func TestNewHonoursLevel(t *testing.T) {
	l, err := New(&config.Config{Env: config.EnvProduction, Log: config.LogConfig{Level: "warn", Format: "json"}})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestGinMiddlewareLogsJobFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	r := gin.New()
	r.Use(requestid.Middleware())
	r.Use(GinMiddleware(zap.New(core)))
	r.POST("/enrollments", func(c *gin.Context) {
		TagJob(c, "job-1", "cs101")
		c.Status(http.StatusAccepted)
	})
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/enrollments", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	accepted := entries[0].ContextMap()
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "job-1", accepted["job_id"])
	assert.Equal(t, "cs101", accepted["lane"])
	assert.Equal(t, "/enrollments", accepted["route"])
	assert.NotEmpty(t, accepted["request_id"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.NotContains(t, entries[1].ContextMap(), "job_id")
}

func TestForJobScopesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ForJob(zap.New(core), "job-7", "cs201", "", 2).Info("lane job started")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "job-7", fields["job_id"])
	assert.Equal(t, "cs201", fields["lane"])
	assert.EqualValues(t, 2, fields["attempt"])
	assert.NotContains(t, fields, "request_id")
}
