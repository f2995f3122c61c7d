package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pbzweihander/ommrema/internal/session"
)

// AnonymousUser is reported when session verification is disabled.
const AnonymousUser = "anonymous"

type AuthMiddleware struct {
	sessions *session.Service
}

// NewAuthMiddleware verifies tokens with sessions. A nil service disables
// verification and every caller is treated as AnonymousUser.
func NewAuthMiddleware(sessions *session.Service) *AuthMiddleware {
	return &AuthMiddleware{
		sessions: sessions,
	}
}

// RequireAuth accepts a token from the session cookie or a Bearer
// Authorization header.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.sessions == nil {
			c.Set(usernameKey, AnonymousUser)
			c.Next()
			return
		}

		token := tokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}

		claims, err := m.sessions.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired session",
			})
			return
		}

		c.Set(usernameKey, claims.Username)
		c.Next()
	}
}

func tokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(session.CookieName); err == nil && cookie != "" {
		return cookie
	}

	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
