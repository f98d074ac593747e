package logctx

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromCtx_EnrichesWithTraceAndUser(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core).Sugar()

	ctx := context.WithValue(context.Background(), TraceIDKey, "trace-1")
	ctx = context.WithValue(ctx, UserIDKey, "user-1")
	FromCtx(ctx, base).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "trace-1", fields["trace_id"])
	assert.Equal(t, "user-1", fields["user_id"])
	assert.Equal(t, "trace-1", TraceID(ctx))
}

func TestWithUserID_UpdatesScopedLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core).Sugar()

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Set(LoggerKey, base.With("trace_id", "t"))

	WithUserID(c, "u-42")

	assert.Equal(t, "u-42", c.GetString(UserIDKey))
	assert.Equal(t, "u-42", c.Request.Context().Value(UserIDKey))
	FromGin(c, base).Info("scoped")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "u-42", logs.All()[0].ContextMap()["user_id"])
}
