package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"media-pipeline/constant"
	"media-pipeline/service"
)

const identityKey = "identity"

// Authenticate resolves the caller from the dedicated key header or a
// bearer-style authorization header.
func Authenticate(auth *service.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := service.ExtractCredential(c.GetHeader("X-API-Key"), c.GetHeader("Authorization"))

		identity, err := auth.Authenticate(c.Request.Context(), credential)
		if errors.Is(err, service.ErrRateLimited) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid api key"})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// RequireScope rejects callers whose key lacks the permission the operation
// needs.
func RequireScope(p constant.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := identityFrom(c)
		if identity == nil || !identity.HasScope(p) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permission scope"})
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) *service.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	identity, ok := v.(*service.Identity)
	if !ok {
		return nil
	}
	return identity
}
