package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/resumecredits/internal/platform/identity"
	"github.com/fatflowers/resumecredits/pkg/config"
	"github.com/fatflowers/resumecredits/pkg/logctx"
)

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*identity.Claims, error)
}

// AuthMiddleware requires a valid bearer token and makes its subject the
// request's user. With auth disabled in dev every request acts as the
// configured dev subject.
func AuthMiddleware(verifier TokenVerifier, cfg *config.Config, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logctx.FromGin(c, base)
		if cfg != nil && cfg.AuthDisabled() {
			claims := &identity.Claims{
				Subject: cfg.Auth.DevSubject,
				Issuer:  "local",
				Raw:     map[string]any{"sub": cfg.Auth.DevSubject},
			}
			authenticate(c, claims)
			c.Next()
			return
		}

		if verifier == nil {
			log.Errorw("auth failure: verifier not configured", "path", c.Request.URL.Path)
			respondUnauthorized(c, "auth verifier not configured")
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Infow("auth failure: missing Authorization header", "path", c.Request.URL.Path)
			respondUnauthorized(c, "missing authorization header")
			return
		}

		token, ok := extractBearerToken(authHeader)
		if !ok {
			log.Infow("auth failure: malformed Authorization header", "path", c.Request.URL.Path)
			respondUnauthorized(c, "invalid authorization header")
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			log.Infow("auth failure: token invalid", "path", c.Request.URL.Path, "err", err)
			respondUnauthorized(c, "invalid token")
			return
		}

		authenticate(c, claims)
		c.Next()
	}
}

func authenticate(c *gin.Context, claims *identity.Claims) {
	c.Request = c.Request.WithContext(identity.WithClaims(c.Request.Context(), claims))
	logctx.WithUserID(c, claims.Subject)
}

// UserID returns the authenticated subject, or "" outside AuthMiddleware.
func UserID(c *gin.Context) string {
	if claims, ok := identity.ClaimsFromContext(c.Request.Context()); ok {
		return claims.Subject
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func respondUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": message,
	})
}
