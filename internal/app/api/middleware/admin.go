package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/resumecredits/pkg/logctx"
	"github.com/fatflowers/resumecredits/pkg/response"
)

const AdminTokenHeader = "X-Admin-Token"

// AdminAuthMiddleware guards the admin API with a static token. An empty
// configured token disables the admin API.
func AdminAuthMiddleware(token string, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			code := response.APIResponseCodeForbidden
			c.AbortWithStatusJSON(code.HTTPStatus(), response.ErrorMsgT[any](code, "admin api disabled", nil))
			return
		}
		got := c.GetHeader(AdminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logctx.FromGin(c, base).Warnw("admin auth failure", "path", c.FullPath())
			code := response.APIResponseCodeUnauthorized
			c.AbortWithStatusJSON(code.HTTPStatus(), response.ErrorT[any](code, nil))
			return
		}
		c.Next()
	}
}
