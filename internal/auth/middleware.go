package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	sessionIDContextKey = "auth_session_id"
	hostTokenContextKey = "auth_host_token"
)

// Middleware validates bearer host tokens. The token must belong to the
// session named by the route parameter param.
func (s *Service) Middleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		hostToken := s.extractToken(c)
		if hostToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		sessionID, err := s.ValidateToken(c.Request.Context(), hostToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if want := c.Param(param); want != "" && want != sessionID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token does not grant access to this session"})
			return
		}
		c.Set(sessionIDContextKey, sessionID)
		c.Set(hostTokenContextKey, hostToken)
		c.Next()
	}
}

// SessionIDFromContext retrieves the session the host token was issued for.
func SessionIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(sessionIDContextKey)
	if !ok {
		return "", false
	}
	sessionID, ok := val.(string)
	return sessionID, ok
}

// HostTokenFromContext retrieves the bearer token captured by the middleware.
func HostTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(hostTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
