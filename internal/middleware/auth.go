package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/mailbridge/internal/auth"
)

// Context keys set by RequireAgent.
const (
	ContextUserID         = "user_id"
	ContextOrganizationID = "organization_id"
	ContextClaims         = "claims"
)

type AuthMiddleware struct {
	jwtManager *auth.JWTManager
}

func NewAuthMiddleware(jwtManager *auth.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{jwtManager: jwtManager}
}

// RequireAgent rejects requests without a valid agent token and exposes the
// agent and organization ids to handlers.
func (m *AuthMiddleware) RequireAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			unauthorized(c, "Missing authorization token")
			return
		}
		if m.jwtManager == nil {
			unauthorized(c, "Authentication is not configured")
			return
		}
		claims, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			unauthorized(c, "Invalid or expired token")
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextOrganizationID, claims.OrganizationID)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// OrganizationID returns the authenticated agent's organization.
func OrganizationID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ContextOrganizationID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id > 0
}

// UserID returns the authenticated agent.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id > 0
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		// Bearer token format: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	// Query parameter for WebSocket connections
	if token := c.Query("token"); token != "" {
		return token
	}
	return ""
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
