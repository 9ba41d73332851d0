package auth

import (
	"context"
	"net/http"
	"strings"

	"agentchat/internal/models"

	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey    = "auth_user_id"
	authTokenContextKey = "auth_token"

	// Set by the hosting platform's authentication proxy.
	PrincipalNameHeader = "X-MS-CLIENT-PRINCIPAL-NAME"
	PrincipalIDHeader   = "X-MS-CLIENT-PRINCIPAL-ID"
)

// Provisioner maps an externally authenticated principal to a local user.
type Provisioner interface {
	EnsureExternalUser(ctx context.Context, externalID, name string) (*models.User, error)
}

// EnableHeaderAuth trusts principal headers from the fronting proxy. Requests carrying
// them are authenticated without a token; unknown principals are provisioned.
func (s *Service) EnableHeaderAuth(p Provisioner) {
	s.provisioner = p
}

// HeaderAuthEnabled reports whether principal headers are trusted.
func (s *Service) HeaderAuthEnabled() bool {
	return s.provisioner != nil
}

// Middleware validates bearer tokens and stores the authenticated user in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID, ok := s.principalUser(c); ok {
			c.Set(userIDContextKey, userID)
			c.Next()
			return
		}
		if c.IsAborted() {
			return
		}
		authToken := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		userID, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Set(authTokenContextKey, authToken)
		c.Next()
	}
}

// principalUser resolves the user from proxy headers. It aborts the request when
// the headers are present but the user cannot be provisioned.
func (s *Service) principalUser(c *gin.Context) (int64, bool) {
	if s.provisioner == nil {
		return 0, false
	}
	name := strings.TrimSpace(c.GetHeader(PrincipalNameHeader))
	id := strings.TrimSpace(c.GetHeader(PrincipalIDHeader))
	if name == "" && id == "" {
		return 0, false
	}
	if id == "" {
		id = name
	}
	if name == "" {
		name = id
	}
	user, err := s.provisioner.EnsureExternalUser(c.Request.Context(), id, name)
	if err != nil {
		s.logger.Error().Err(err).Str("principal", id).Msg("provision header user")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "principal not accepted"})
		return 0, false
	}
	return user.ID, true
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	userID, ok := val.(int64)
	return userID, ok
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if hasBearer(authHeader) {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
