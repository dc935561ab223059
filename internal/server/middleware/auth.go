package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/papergloss/backend/internal/platform/logger"
	"github.com/papergloss/backend/internal/services"
)

// SessionAuth verifies the bearer token minted at session creation and pins
// it to the session id in the path, so one caller cannot read another's
// session.
type SessionAuth struct {
	log    *logger.Logger
	tokens services.TokenService
}

func NewSessionAuth(tokens services.TokenService, log *logger.Logger) *SessionAuth {
	return &SessionAuth{log: log.With("middleware", "SessionAuth"), tokens: tokens}
}

func (m *SessionAuth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}
		sessionID, err := m.tokens.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}
		pathID, err := uuid.Parse(c.Param("id"))
		if err != nil || pathID != sessionID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"message": "token does not match session", "code": "forbidden"},
			})
			return
		}
		c.Next()
	}
}

// AdminAuth gates the operator endpoints behind a static key.
type AdminAuth struct {
	key func() string
}

func NewAdminAuth(key func() string) *AdminAuth {
	return &AdminAuth{key: key}
}

func (m *AdminAuth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := m.key()
		got := c.GetHeader("X-Admin-Key")
		if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "unauthorized", "code": "unauthorized"},
			})
			return
		}
		c.Next()
	}
}

// extractToken accepts the token from the Authorization header or, for SSE
// clients that cannot set headers, a query parameter.
func extractToken(c *gin.Context) string {
	if q := c.Query("token"); q != "" {
		return q
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
